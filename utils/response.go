package utils

import "github.com/gin-gonic/gin"

// JSONResponse defines the uniform structure for API responses. Kind is
// only set on errors that callers branch on programmatically, e.g.
// "quota_exhausted" driving the upsell flow.
type JSONResponse struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Kind    string      `json:"kind,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// Respond writes a JSON response with the given status code.
func Respond(ctx *gin.Context, status int, code int, message string, data interface{}) {
	ctx.JSON(status, JSONResponse{
		Code:    code,
		Message: message,
		Data:    data,
	})
}

// Success returns a standard success response.
func Success(ctx *gin.Context, data interface{}) {
	Respond(ctx, 200, 0, "success", data)
}

// Error returns a standard error response.
func Error(ctx *gin.Context, status int, code int, message string) {
	Respond(ctx, status, code, message, nil)
}

// ErrorKind returns an error response carrying a machine-readable kind.
func ErrorKind(ctx *gin.Context, status int, code int, kind, message string) {
	ctx.JSON(status, JSONResponse{
		Code:    code,
		Message: message,
		Kind:    kind,
	})
}
