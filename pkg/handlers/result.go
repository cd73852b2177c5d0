package handlers

// Result is the response object of every action: always a boolean
// "success", a "message" on failure, and action-specific data otherwise.
type Result map[string]interface{}

func okResult(message string) Result {
	r := Result{"success": true}
	if message != "" {
		r["message"] = message
	}
	return r
}

// Failure builds a {success:false, message} result.
func Failure(message string) Result {
	return Result{"success": false, "message": message}
}

// with sets key and returns r for chaining.
func (r Result) with(key string, value interface{}) Result {
	r[key] = value
	return r
}

// Success reports the "success" flag.
func (r Result) Success() bool {
	ok, _ := r["success"].(bool)
	return ok
}

// Message returns the human-readable message, if any.
func (r Result) Message() string {
	msg, _ := r["message"].(string)
	return msg
}
