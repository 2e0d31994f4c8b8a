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

package helpers

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// GetBoolEnv reads a boolean environment variable.
// Returns true if the environment variable is set to "true", "1", "yes", "on", "enable", or "enabled" (case insensitive).
// Returns the defaultValue if the environment variable is not set or empty.
// Returns false for "false", "0", "no", "off", "disable", or "disabled" (case insensitive).
func GetBoolEnv(envVar string, defaultValue bool) bool {
	env := strings.ToLower(strings.TrimSpace(os.Getenv(envVar)))

	switch env {
	case "true", "1", "yes", "on", "enable", "enabled":
		return true
	case "false", "0", "no", "off", "disable", "disabled":
		return false
	case "":
		return defaultValue
	default:
		// Any other non-empty value counts as set.
		return true
	}
}

// GetPortEnv reads a TCP port from envVar. Unset, unparseable or out of
// range values fall back to defaultPort. The words "off", "false" and "0"
// return 0, which callers treat as disabled.
func GetPortEnv(envVar string, defaultPort int) int {
	env := strings.ToLower(strings.TrimSpace(os.Getenv(envVar)))
	switch env {
	case "":
		return defaultPort
	case "0", "off", "false":
		return 0
	}

	port, err := strconv.Atoi(env)
	if err != nil || port < 1 || port > 65535 {
		slog.Warn("Invalid port value, using default",
			slog.String("envVar", envVar),
			slog.String("value", env),
			slog.Int("default", defaultPort))
		return defaultPort
	}
	return port
}
