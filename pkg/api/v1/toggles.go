package v1

// EffectiveToggle resolves an automation toggle for a task: the task's
// explicit override wins, then the lane default, then false.
func EffectiveToggle(task *Task, lane *Lane, key ToggleKey) bool {
	if task != nil {
		if v := task.Toggle(key); v != nil {
			return *v
		}
	}
	if lane != nil {
		if v := lane.DefaultToggles.Get(key); v != nil {
			return *v
		}
	}
	return false
}
