package plan

import "fmt"

// depSatisfied reports whether a dependency allows its dependents to run.
// A failed or skipped optional dependency counts as satisfied.
func depSatisfied(dep *Step) bool {
	switch dep.Status {
	case StepStatusDone:
		return true
	case StepStatusFailed, StepStatusSkipped:
		return dep.Optional
	default:
		return false
	}
}

// depBlocksForever reports whether a dependency can never be satisfied.
func depBlocksForever(dep *Step) bool {
	switch dep.Status {
	case StepStatusFailed, StepStatusSkipped:
		return !dep.Optional
	default:
		return false
	}
}

// CascadeSkips marks every pending step whose required dependencies can no
// longer complete as skipped, repeating until a fixed point. This is what
// drives a plan with a failed step to a terminal state instead of hanging.
func CascadeSkips(p *Plan) {
	for {
		changed := false
		for i := range p.Steps {
			s := &p.Steps[i]
			if s.Status != StepStatusPending {
				continue
			}
			for _, depID := range s.DependsOn {
				dep := p.Step(depID)
				if dep != nil && depBlocksForever(dep) {
					s.Status = StepStatusSkipped
					changed = true
					break
				}
			}
		}
		if !changed {
			return
		}
	}
}

// NextRunnable applies skip cascading and then selects the next runnable
// step: pending, with every dependency satisfied, lowest index first.
// It returns (nil, false, nil) when the plan is finished or a step is still
// running, and ErrPlanCorrupt when nothing is runnable, nothing is running,
// and the plan is not finished.
func NextRunnable(p *Plan) (*Step, bool, error) {
	CascadeSkips(p)

	var next *Step
	anyRunning := false
	for i := range p.Steps {
		s := &p.Steps[i]
		if s.Status == StepStatusRunning {
			anyRunning = true
			continue
		}
		if s.Status != StepStatusPending {
			continue
		}
		runnable := true
		for _, depID := range s.DependsOn {
			dep := p.Step(depID)
			if dep == nil {
				return nil, false, fmt.Errorf("%w: step %q depends on unknown step %q", ErrPlanCorrupt, s.ID, depID)
			}
			if !depSatisfied(dep) {
				runnable = false
				break
			}
		}
		if !runnable {
			continue
		}
		if next == nil || s.Index < next.Index {
			next = s
		}
	}

	if next != nil {
		return next, true, nil
	}
	if p.Finished() || anyRunning {
		return nil, false, nil
	}
	return nil, false, fmt.Errorf("%w: no runnable step in unfinished plan %s", ErrPlanCorrupt, p.ID)
}
