/* Apache v2 license
*  Copyright (C) <2024> WasteAnt
*
*  SPDX-License-Identifier: Apache-2.0
 */

package routes

import (
	"database/sql"

	"github.com/gorilla/mux"

	"github.com/wasteant/delivery-state-service/app/assets"
	"github.com/wasteant/delivery-state-service/app/config"
	"github.com/wasteant/delivery-state-service/app/routes/handlers"
	"github.com/wasteant/delivery-state-service/app/tasks"
	"github.com/wasteant/delivery-state-service/pkg/middlewares"
	"github.com/wasteant/delivery-state-service/pkg/web"
)

// Route struct holds attributes to declare routes
type Route struct {
	Name        string
	Method      string
	Pattern     string
	HandlerFunc web.Handler
}

// NewRouter creates the routes for GET and POST
func NewRouter(masterDB *sql.DB, runner *tasks.Runner, resolver *assets.Resolver, maxSize int) *mux.Router {

	deliveries := handlers.Deliveries{MasterDB: masterDB, Runner: runner, Resolver: resolver, MaxSize: maxSize}

	var routes = []Route{
		{
			"Index",
			"GET",
			"/",
			deliveries.Index,
		},
		{
			"PostDeliveryEvent",
			"POST",
			"/api/v1/delivery/event",
			deliveries.PostDeliveryEvent,
		},
		{
			"GetTaskStatus",
			"GET",
			"/api/v1/delivery/task/status/{task_id}",
			deliveries.GetTaskStatus,
		},
		{
			"GetDeliveries",
			"GET",
			"/api/v1/delivery",
			deliveries.GetDeliveries,
		},
		{
			"GetDeliveryAssets",
			"GET",
			"/api/v1/delivery/assets/{delivery_id}",
			deliveries.GetDeliveryAssets,
		},
		{
			"GetGateStatus",
			"GET",
			"/api/v1/gate/{gate_id}",
			deliveries.GetGateStatus,
		},
		{
			"GetGates",
			"GET",
			"/api/v1/gates",
			deliveries.GetGates,
		},
	}

	router := mux.NewRouter().StrictSlash(true)
	for _, route := range routes {

		var handler = route.HandlerFunc
		handler = middlewares.Recover(handler)
		handler = middlewares.Logger(handler)
		handler = middlewares.Bodylimiter(handler)
		if config.AppConfig.EnableCORS {
			handler = middlewares.CORS(config.AppConfig.CORSOrigin, handler)
		}

		router.
			Methods(route.Method).
			Path(route.Pattern).
			Name(route.Name).
			Handler(handler)
	}

	return router
}
