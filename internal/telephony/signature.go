package telephony

import (
	"net/http"
	"strings"

	"outbound-voice/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/twilio/twilio-go/client"
)

const signatureHeader = "X-Twilio-Signature"

// RequireSignature rejects carrier requests whose X-Twilio-Signature does not
// match. The signed URL is rebuilt from baseURL because the service usually
// sits behind a proxy that rewrites scheme and host.
func RequireSignature(authToken, baseURL string) gin.HandlerFunc {
	validator := client.NewRequestValidator(authToken)
	baseURL = strings.TrimRight(baseURL, "/")

	return func(c *gin.Context) {
		sig := c.GetHeader(signatureHeader)
		if sig == "" {
			logger.FromGin(c).Warn("carrier request without signature")
			c.AbortWithStatus(http.StatusForbidden)
			return
		}
		if err := c.Request.ParseForm(); err != nil {
			c.AbortWithStatus(http.StatusBadRequest)
			return
		}
		params := make(map[string]string, len(c.Request.PostForm))
		for k, v := range c.Request.PostForm {
			if len(v) > 0 {
				params[k] = v[0]
			}
		}
		url := baseURL + c.Request.URL.RequestURI()
		if !validator.Validate(url, params, sig) {
			logger.FromGin(c).Warn("carrier signature mismatch", "path", c.Request.URL.Path)
			c.AbortWithStatus(http.StatusForbidden)
			return
		}
		c.Next()
	}
}
