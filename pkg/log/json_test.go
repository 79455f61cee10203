// Copyright 2026 The gVisor Authors.
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
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestLevelJSON(t *testing.T) {
	for _, tc := range []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{in: `"warning"`, want: Warning},
		{in: `"warn"`, want: Warning},
		{in: `"info"`, want: Info},
		{in: `"debug"`, want: Debug},
		{in: `0`, want: Warning},
		{in: `2`, want: Debug},
		{in: `3`, wantErr: true},
		{in: `"verbose"`, wantErr: true},
		{in: `true`, wantErr: true},
	} {
		var lv Level
		err := json.Unmarshal([]byte(tc.in), &lv)
		if (err != nil) != tc.wantErr {
			t.Errorf("Unmarshal(%s) err = %v, want error %t", tc.in, err, tc.wantErr)
			continue
		}
		if err != nil {
			continue
		}
		if lv != tc.want {
			t.Errorf("Unmarshal(%s) = %v, want %v", tc.in, lv, tc.want)
		}
		b, err := json.Marshal(lv)
		if err != nil {
			t.Fatalf("Marshal(%v): %v", lv, err)
		}
		var back Level
		if err := json.Unmarshal(b, &back); err != nil || back != lv {
			t.Errorf("round trip of %v through %s = %v, %v", lv, b, back, err)
		}
	}
}

func TestJSONEmitter(t *testing.T) {
	ts := time.Date(2024, time.May, 3, 4, 5, 6, 0, time.UTC)
	for _, key := range []string{"", "log"} {
		var buf bytes.Buffer
		JSONEmitter{Writer: &Writer{Next: &buf}, MsgKey: key}.Emit(0, Info, ts, "mapped %#x", 0x1000)

		var got map[string]any
		if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
			t.Fatalf("Unmarshal(%q): %v", buf.String(), err)
		}
		c, _ := got["caller"].(string)
		if !strings.HasPrefix(c, "json_test.go:") {
			t.Errorf("caller = %q, want json_test.go:<line>", c)
		}
		delete(got, "caller")
		if key == "" {
			key = "msg"
		}
		want := map[string]any{
			key:     "mapped 0x1000",
			"level": "info",
			"time":  "2024-05-03T04:05:06Z",
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("entry mismatch (-want +got):\n%s", diff)
		}
	}
}
