// Copyright 2024 Google Inc. All Rights Reserved.
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

package shell

import (
	"context"
	"strings"
)

// Call records one invocation observed by Fake.
type Call struct {
	Argv []string
}

// Fake is an in-memory Runner for exercising lifecycle code without
// spawning real subprocesses. Results are keyed by argv[0] (the executable
// name), so "mkfs.ext4" and "mount" can be stubbed
// independently.
type Fake struct {
	Calls   []Call
	Results map[string]FakeResult
}

type FakeResult struct {
	Output string
	Err    error
}

func NewFake() *Fake {
	return &Fake{Results: make(map[string]FakeResult)}
}

// Stub registers the output/error Run should return for commands whose
// argv[0] equals name.
func (f *Fake) Stub(name string, result FakeResult) {
	f.Results[name] = result
}

func (f *Fake) Run(_ context.Context, argv []string, opts ...Option) (string, error) {
	f.Calls = append(f.Calls, Call{Argv: append([]string(nil), argv...)})
	if len(argv) == 0 {
		return "", nil
	}
	if result, ok := f.Results[argv[0]]; ok {
		return result.Output, result.Err
	}
	return "", nil
}

// Invoked reports whether a command with the given argv0 was run.
func (f *Fake) Invoked(name string) bool {
	for _, c := range f.Calls {
		if len(c.Argv) > 0 && c.Argv[0] == name {
			return true
		}
	}
	return false
}

// JoinedArgs renders the first call to name as a single string, for assertions
// against flag presence without index bookkeeping in the caller.
func (f *Fake) JoinedArgs(name string) string {
	for _, c := range f.Calls {
		if len(c.Argv) > 0 && c.Argv[0] == name {
			return strings.Join(c.Argv, " ")
		}
	}
	return ""
}
