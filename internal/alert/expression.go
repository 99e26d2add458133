// Copyright 2025 Tom Barlow
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
package alert

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// exprCache holds compiled custom-rule expressions keyed by source.
type exprCache struct {
	mu    sync.RWMutex
	progs map[string]*vm.Program
}

func newExprCache() *exprCache {
	return &exprCache{progs: make(map[string]*vm.Program)}
}

func compileExpression(src string) (*vm.Program, error) {
	return expr.Compile(src,
		expr.AllowUndefinedVariables(),
		expr.AsBool(),
	)
}

func (c *exprCache) program(src string) (*vm.Program, error) {
	c.mu.RLock()
	prog, ok := c.progs[src]
	c.mu.RUnlock()
	if ok {
		return prog, nil
	}

	prog, err := compileExpression(src)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.progs[src] = prog
	c.mu.Unlock()
	return prog, nil
}

// Eval runs a custom rule expression against a sample. The environment
// exposes metric, entityId, value and threshold plus the sample's Vars.
func (c *exprCache) Eval(r Rule, s Sample) (bool, error) {
	prog, err := c.program(r.Expression)
	if err != nil {
		return false, fmt.Errorf("failed to compile expression: %w", err)
	}

	env := make(map[string]any, len(s.Vars)+4)
	for k, v := range s.Vars {
		env[k] = v
	}
	env["metric"] = string(s.Metric)
	env["entityId"] = s.EntityID
	env["value"] = s.Value
	env["threshold"] = r.Threshold

	out, err := expr.Run(prog, env)
	if err != nil {
		return false, fmt.Errorf("expression evaluation failed: %w", err)
	}
	matched, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("expression must return boolean, got %T", out)
	}
	return matched, nil
}

// Len returns the number of cached programs.
func (c *exprCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.progs)
}
