package auth

// Known OAuth scopes used by the service.
const (
	ScopeUploadsWrite  = "uploads:write"
	ScopeWorkoutsRead  = "workouts:read"
	ScopeWorkoutsClaim = "workouts:claim"
)
