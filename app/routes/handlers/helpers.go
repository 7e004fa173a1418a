/* Apache v2 license
*  Copyright (C) <2024> WasteAnt
*
*  SPDX-License-Identifier: Apache-2.0
 */

package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/wasteant/delivery-state-service/app/routes/schemas"
	"github.com/wasteant/delivery-state-service/pkg/web"
)

// timestamp formats accepted from upstream detection systems and query
// parameters. RFC3339 is what the recording services send; the space
// separated form is what the dashboards use.
var timestampFormats = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func readAndValidateRequest(request *http.Request, schema string, v interface{}) (interface{}, error) {
	// Reading request
	body := make([]byte, request.ContentLength)
	_, err := io.ReadFull(request.Body, body)
	if err != nil {
		return nil, errors.Wrap(web.ErrValidation, err.Error())
	}

	// Validate json against schema
	schemaValidatorResult, err := schemas.ValidateSchemaRequest(body, schema)
	if err != nil {
		return nil, err
	}
	if !schemaValidatorResult.Valid() {
		result := schemas.BuildErrorsString(schemaValidatorResult.Errors())
		return result, nil
	}

	if err = json.Unmarshal(body, &v); err != nil {
		return nil, errors.Wrap(web.ErrValidation, err.Error())
	}

	return nil, nil
}

// parseTimestamp tries the accepted formats in order. Timestamps without a
// zone are taken as UTC.
func parseTimestamp(value string) (time.Time, error) {
	for _, format := range timestampFormats {
		if parsed, err := time.ParseInLocation(format, value, time.UTC); err == nil {
			return parsed.UTC(), nil
		}
	}
	return time.Time{}, errors.Wrapf(web.ErrInvalidInput, "cannot parse timestamp %q", value)
}

func parseIntDefault(value string, defaultValue int) (int, error) {
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, errors.Wrapf(web.ErrInvalidInput, "expected a number, got %q", value)
	}
	return parsed, nil
}

// dayStartUTC truncates to the beginning of the day, which is the default
// lower bound of the delivery listing.
func dayStartUTC(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
