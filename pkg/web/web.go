/* Apache v2 license
*  Copyright (C) <2024> WasteAnt
*
*  SPDX-License-Identifier: Apache-2.0
 */

package web

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// ctxKey represents the type of value for the context key.
type ctxKey int

// KeyValues is how request values are stored/retrieved.
const KeyValues ctxKey = 1

// ContextValues carries request-scoped values through the handler chain.
type ContextValues struct {
	TraceID    string
	Method     string
	RequestURI string
}

// Handler is the signature used by all application handlers in this service.
type Handler func(context.Context, http.ResponseWriter, *http.Request) error

// ServeHTTP implements the http.Handler interface. It stamps every request
// with a trace id before invoking the wrapped handler, and funnels any
// returned error through the shared error responder.
func (handler Handler) ServeHTTP(writer http.ResponseWriter, request *http.Request) {

	contextValues := ContextValues{
		TraceID:    uuid.New().String(),
		Method:     request.Method,
		RequestURI: request.RequestURI,
	}
	ctx := context.WithValue(request.Context(), KeyValues, &contextValues)

	if err := handler(ctx, writer, request); err != nil {
		Error(ctx, writer, err)
	}
}
