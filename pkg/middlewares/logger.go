/* Apache v2 license
*  Copyright (C) <2024> WasteAnt
*
*  SPDX-License-Identifier: Apache-2.0
 */

package middlewares

import (
	"context"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/wasteant/delivery-state-service/pkg/web"
)

// Logger middleware logs one line per request with trace id and latency.
func Logger(next web.Handler) web.Handler {
	return web.Handler(func(ctx context.Context, writer http.ResponseWriter, request *http.Request) error {
		tracerID := ctx.Value(web.KeyValues).(*web.ContextValues).TraceID

		startTime := time.Now()
		err := next(ctx, writer, request)

		log.WithFields(log.Fields{
			"Method":     request.Method,
			"RequestURI": request.RequestURI,
			"TraceID":    tracerID,
			"Latency":    time.Since(startTime).String(),
		}).Debug("Request handled")

		return err
	})
}
