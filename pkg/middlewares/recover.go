/* Apache v2 license
*  Copyright (C) <2024> WasteAnt
*
*  SPDX-License-Identifier: Apache-2.0
 */

package middlewares

import (
	"context"
	"net/http"
	"runtime/debug"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/wasteant/delivery-state-service/pkg/web"
)

// Recover middleware converts handler panics into logged 500 responses so a
// single bad request cannot take the service down.
func Recover(next web.Handler) web.Handler {
	return web.Handler(func(ctx context.Context, writer http.ResponseWriter, request *http.Request) (err error) {
		defer func() {
			if r := recover(); r != nil {
				tracerID := ctx.Value(web.KeyValues).(*web.ContextValues).TraceID
				log.WithFields(log.Fields{
					"Method":     request.Method,
					"RequestURI": request.RequestURI,
					"TraceID":    tracerID,
					"Panic":      r,
				}).Error(string(debug.Stack()))
				err = errors.Errorf("panic: %v", r)
			}
		}()
		return next(ctx, writer, request)
	})
}
