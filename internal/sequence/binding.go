package sequence

import (
	"fmt"
	"strconv"
	"strings"
)

// FormulaError is a derived variable whose formula failed to evaluate.
type FormulaError struct {
	Variable string
	Err      error
}

func (e FormulaError) Error() string {
	return fmt.Sprintf("derived variable %s: %v", e.Variable, e.Err)
}

// Binding reports the values Bind resolved for one iteration.
type Binding struct {
	Iteration     int
	ListBound     []string
	FormulaErrors []FormulaError
}

// Summary returns the list-bound values as a single log line, or "".
func (b Binding) Summary() string {
	if len(b.ListBound) == 0 {
		return ""
	}
	return "List bound variable values: " + strings.Join(b.ListBound, ", ")
}

// Bind resolves every variable for iteration: list-driven values from the
// locked lists, then permanent overrides, then derived formulas in declaration
// order. Permanent values win over list and formula values. A formula error
// sets the variable to 0 and is reported in the result.
func (s *Sequence) Bind(iteration int, permanent map[string]float64) Binding {
	s.mu.Lock()
	s.iteration = iteration
	s.cursor = iteration
	s.mu.Unlock()

	b := Binding{Iteration: iteration}
	positions := s.listIndex(iteration)

	for _, v := range s.Variables {
		pv, ok := permanent[v.Name]
		v.Permanent = ok
		v.PermanentValue = pv
	}

	for _, v := range s.Variables {
		if !v.ListDriven || v.Permanent {
			continue
		}
		n := v.ListNumber - 1
		if n < 0 || n >= len(s.Lists) {
			continue
		}
		pos, ok := positions[n]
		if !ok {
			continue
		}
		v.Value = s.Lists[n].Values[pos]
		b.ListBound = append(b.ListBound, v.Name+" = "+strconv.FormatFloat(v.Value, 'g', -1, 64))
	}

	for _, v := range s.Variables {
		if v.Permanent {
			v.Value = v.PermanentValue
		}
	}

	env := make(map[string]float64, len(s.Variables))
	for _, v := range s.Variables {
		env[v.Name] = v.Value
	}
	for _, v := range s.Variables {
		if !v.Derived || v.Permanent {
			continue
		}
		val, err := EvalFormula(v.Formula, env)
		if err != nil {
			b.FormulaErrors = append(b.FormulaErrors, FormulaError{Variable: v.Name, Err: err})
			val = 0
		}
		v.Value = val
		env[v.Name] = val
	}

	return b
}
