/* Apache v2 license
*  Copyright (C) <2024> WasteAnt
*
*  SPDX-License-Identifier: Apache-2.0
 */

// Package integrationtest centralizes database access for tests that need a
// real Postgres instance. It keeps tests from interfering with each other by
// giving every test its own schema, and it honors the -test.short flag as
// the escape switch for environments without a database.
package integrationtest

import (
	"database/sql"
	"fmt"
	"log"
	"sync"
	"testing"
	"time"

	// postgres driver
	_ "github.com/lib/pq"

	"github.com/wasteant/delivery-state-service/app/config"
)

// DBHost carries the connection parameters shared by all tests of a run.
type DBHost string

// InitHost returns a DBHost built from the service configuration, tagged
// with the launch time so parallel test runs against the same Postgres do
// not collide unless they start within the same second.
func InitHost(name string) DBHost {
	if err := config.InitConfig(); err != nil {
		log.Fatalf("unable to initialize config: %+v", err)
	}
	return DBHost(name + time.Now().Format("_150405"))
}

var schemaNamesToInstances = map[string]int{}
var schemaNameLock = sync.Mutex{}

// CreateDB connects to the configured Postgres, creates a schema named
// DBHost_testName and applies the service DDL inside it. The returned
// connection has its search_path pinned to that schema, so code under test
// sees an isolated database.
func (dbHost DBHost) CreateDB(t *testing.T) *sql.DB {
	t.Helper()

	if testing.Short() {
		t.Skip("Skipping integration test")
	}

	schemaName := string(dbHost) + "_" + t.Name()
	if len(schemaName) > 60 {
		schemaName = schemaName[:60]
	}

	schemaNameLock.Lock()
	schemaNamesToInstances[schemaName]++
	schemaName = schemaName + fmt.Sprintf("%02d", schemaNamesToInstances[schemaName])
	schemaNameLock.Unlock()
	t.Logf("using schema %s", schemaName)

	connectionString := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		config.AppConfig.DbHost, config.AppConfig.DbPort, config.AppConfig.DbUser,
		config.AppConfig.DbPass, config.AppConfig.DbName, config.AppConfig.DbSSLMode)

	masterDB, err := sql.Open("postgres", connectionString)
	if err != nil {
		t.Fatalf("Unable to connect to db server: %+v", err)
	}
	if _, err := masterDB.Exec(fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %q;`, schemaName)); err != nil {
		t.Fatalf("Unable to create schema %s: %+v", schemaName, err)
	}
	if _, err := masterDB.Exec(fmt.Sprintf(`SET search_path TO %q;`, schemaName)); err != nil {
		t.Fatalf("Unable to set search path: %+v", err)
	}
	if _, err := masterDB.Exec(config.DbSchema); err != nil {
		t.Fatalf("Unable to apply schema DDL: %+v", err)
	}

	return masterDB
}
