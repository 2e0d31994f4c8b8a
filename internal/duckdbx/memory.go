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

package duckdbx

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
)

type MemoryStats struct {
	DatabaseName string
	DatabaseSize int64
	BlockSize    int64
	TotalBlocks  int64
	UsedBlocks   int64
	FreeBlocks   int64
	WALSize      int64
	MemoryUsage  int64
	MemoryLimit  int64
}

// GetMemoryStats reads PRAGMA database_size and converts the human readable
// sizes into bytes.
func GetMemoryStats(ctx context.Context, conn *sql.Conn) ([]MemoryStats, error) {
	rows, err := conn.QueryContext(ctx, "PRAGMA database_size")
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ret []MemoryStats
	for rows.Next() {
		var (
			stat                           MemoryStats
			dbSize, walSize, usage, limitS string
		)
		if err := rows.Scan(&stat.DatabaseName, &dbSize, &stat.BlockSize, &stat.TotalBlocks,
			&stat.UsedBlocks, &stat.FreeBlocks, &walSize, &usage, &limitS); err != nil {
			return nil, err
		}
		stat.DatabaseSize = parseSize(dbSize)
		stat.WALSize = parseSize(walSize)
		stat.MemoryUsage = parseSize(usage)
		stat.MemoryLimit = parseSize(limitS)
		ret = append(ret, stat)
	}
	return ret, rows.Err()
}

// parseSize turns strings like "0 bytes", "1.2 MiB" or "3.1 GiB" into bytes.
// Decimal units (KB, MB, ...) are accepted as well.
func parseSize(sizeStr string) int64 {
	parts := strings.Fields(sizeStr)
	if len(parts) == 0 {
		return 0
	}
	value, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return 0
	}
	if len(parts) == 1 {
		return int64(value)
	}

	switch strings.ToLower(parts[1]) {
	case "bytes", "byte", "b":
		return int64(value)
	case "kib":
		return int64(value * (1 << 10))
	case "mib":
		return int64(value * (1 << 20))
	case "gib":
		return int64(value * (1 << 30))
	case "tib":
		return int64(value * (1 << 40))
	case "kb":
		return int64(value * 1e3)
	case "mb":
		return int64(value * 1e6)
	case "gb":
		return int64(value * 1e9)
	case "tb":
		return int64(value * 1e12)
	default:
		return 0
	}
}
