// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package dashboardapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/cardinalhq/segdash/engine"
	"github.com/cardinalhq/segdash/reports"
)

type APIErrorCode string

const (
	ErrInvalidArgument   APIErrorCode = "INVALID_ARGUMENT"
	ErrEngineUnavailable APIErrorCode = "ENGINE_UNAVAILABLE"
	ErrTimeout           APIErrorCode = "TIMEOUT"
	ErrClientClosed      APIErrorCode = "CLIENT_CLOSED"
	ErrUnauthorized      APIErrorCode = "UNAUTHORIZED"
	ErrInternal          APIErrorCode = "INTERNAL"
)

type APIError struct {
	Status  int          `json:"status"`
	Code    APIErrorCode `json:"code"`
	Message string       `json:"message"`
}

func writeAPIError(w http.ResponseWriter, status int, code APIErrorCode, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(APIError{
		Status:  status,
		Code:    code,
		Message: msg,
	})
}

// Non-standard but used by many proxies for client disconnects.
const statusClientClosedRequest = 499

// statusAndCodeFor maps a report error to its HTTP status, code and the
// message shown to the browser.
func statusAndCodeFor(err error) (int, APIErrorCode, string) {
	switch {
	case errors.Is(err, reports.ErrInvalidArgument):
		return http.StatusBadRequest, ErrInvalidArgument, err.Error()
	case errors.Is(err, context.Canceled):
		return statusClientClosedRequest, ErrClientClosed, "client closed request"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, ErrTimeout, "query engine timed out"
	case errors.Is(err, engine.ErrQueryFailed):
		return http.StatusBadGateway, ErrEngineUnavailable, "query engine unavailable"
	default:
		return http.StatusInternalServerError, ErrInternal, "internal error"
	}
}
