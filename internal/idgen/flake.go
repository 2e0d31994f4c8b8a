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

// Package idgen hands out roughly time-ordered int64 ids for tagging a
// process's logs and metrics.
package idgen

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/sony/sonyflake"
)

// Epoch is the sonyflake start time used by New.
var Epoch = time.Date(2025, 10, 1, 0, 0, 0, 0, time.UTC)

type Generator struct {
	sf *sonyflake.Sonyflake
}

func New(epoch time.Time) (*Generator, error) {
	sf, err := sonyflake.New(sonyflake.Settings{StartTime: epoch})
	if err != nil {
		return nil, fmt.Errorf("create sonyflake: %w", err)
	}
	if sf == nil {
		return nil, errors.New("sonyflake rejected its settings")
	}
	return &Generator{sf: sf}, nil
}

// NextID returns a positive id. If the sonyflake clock is exhausted it falls
// back to a random positive value.
func (g *Generator) NextID() int64 {
	v, err := g.sf.NextID()
	if err != nil {
		return rand.Int64()
	}
	return int64(v)
}

var instanceID = sync.OnceValue(func() int64 {
	g, err := New(Epoch)
	if err != nil {
		return rand.Int64()
	}
	return g.NextID()
})

// InstanceID identifies this process. It is the same for every call.
func InstanceID() int64 {
	return instanceID()
}
