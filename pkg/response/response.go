package response

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	CodeSuccess     = 0
	CodeParamError  = 400
	CodeServerError = 500
)

const (
	CodeBalanceNotEnough      = 1003
	CodeAccountNotFound       = 1005
	CodeIdempotencyKeyMissing = 1101
	CodeIdempotencyConflict   = 1102
	CodeLeaseNotAcquired      = 1201
	CodeDlqDeleteUnsupported  = 1301
)

// ReplayedHeader marks a response served from the idempotency ledger.
const ReplayedHeader = "Idempotent-Replayed"

type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// OK builds the success envelope without writing it.
func OK(data interface{}) Response {
	return Response{Code: CodeSuccess, Message: "success", Data: data}
}

func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, OK(data))
}

// ErrorStatus writes the envelope with a non-200 HTTP status.
func ErrorStatus(c *gin.Context, status, code int, message string) {
	c.JSON(status, Response{
		Code:    code,
		Message: message,
	})
}

func ParamError(c *gin.Context, message string) {
	ErrorStatus(c, http.StatusBadRequest, CodeParamError, message)
}

func ServerError(c *gin.Context, message string) {
	ErrorStatus(c, http.StatusInternalServerError, CodeServerError, message)
}

// Raw writes bytes that are already an encoded envelope, as stored by the
// idempotency ledger.
func Raw(c *gin.Context, status int, body []byte, replayed bool) {
	if replayed {
		c.Header(ReplayedHeader, "true")
	}
	if !json.Valid(body) {
		c.Data(status, "text/plain; charset=utf-8", body)
		return
	}
	c.Data(status, "application/json; charset=utf-8", body)
}
