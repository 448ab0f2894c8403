// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// GoogleEmitter is a wrapper that emits logs in a format compatible with
// package github.com/golang/glog:
//
//	Lmmdd hh:mm:ss.uuuuuu threadid file:line] msg...
//
// where L is the level letter and threadid is the space-padded process ID.
type GoogleEmitter struct {
	// Emitter is the underlying emitter.
	Emitter
}

// pid is the threadid column, padded to seven places as glog does.
var pid = fmt.Sprintf("%7d", os.Getpid())

// glogTime is the timestamp layout of a glog header.
const glogTime = "0102 15:04:05.000000"

func levelLetter(level Level) byte {
	switch level {
	case Debug:
		return 'D'
	case Info:
		return 'I'
	default:
		return 'W'
	}
}

// Emit emits the message, google-style.
func (g GoogleEmitter) Emit(depth int, level Level, timestamp time.Time, format string, args ...any) {
	b := make([]byte, 0, 64+len(format))
	b = append(b, levelLetter(level))
	b = timestamp.AppendFormat(b, glogTime)
	b = append(b, ' ')
	b = append(b, pid...)
	b = append(b, ' ')
	if _, file, line, ok := runtime.Caller(depth + 1); ok {
		b = append(b, file[strings.LastIndexByte(file, '/')+1:]...)
		b = append(b, ':')
		b = strconv.AppendInt(b, int64(line), 10)
	} else {
		b = append(b, "???:0"...)
	}
	b = append(b, "] "...)
	b = append(b, format...)
	b = append(b, '\n')

	// The header becomes part of the format passed on.
	g.Emitter.Emit(depth, level, timestamp, string(b), args...)
}
