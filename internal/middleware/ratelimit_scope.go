package middleware

import (
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nestaid/nestaid-server/pkg/errors"
	"github.com/nestaid/nestaid-server/pkg/response"
)

// ScopedRateLimit limits requests per authenticated user within a fixed window.
// It backs the documented endpoint contract (contact ops 200/15min, bulk and
// import ops 10/hour, resend 20/15min). Unauthenticated callers fall back to a
// per-IP key.
func ScopedRateLimit(scope string, maxRequests int, window time.Duration) gin.HandlerFunc {
	type counter struct {
		count     int
		windowEnd time.Time
	}

	var (
		mu   sync.Mutex
		data = make(map[string]*counter)
	)

	return func(c *gin.Context) {
		if maxRequests <= 0 || window <= 0 {
			c.Next()
			return
		}

		key := scope + "|" + c.GetString(CtxUserIDKey)
		if key == scope+"|" {
			key = scope + "|ip:" + c.ClientIP()
		}

		now := time.Now()

		mu.Lock()
		ct, ok := data[key]
		if !ok || now.After(ct.windowEnd) {
			ct = &counter{windowEnd: now.Add(window)}
			data[key] = ct
		}
		ct.count++
		count := ct.count
		resetIn := time.Until(ct.windowEnd)
		if len(data) > 4096 {
			for k, v := range data {
				if now.After(v.windowEnd) {
					delete(data, k)
				}
			}
		}
		mu.Unlock()

		c.Header("X-RateLimit-Limit", itoa(maxRequests))
		c.Header("X-RateLimit-Remaining", itoa(max(0, maxRequests-count)))
		c.Header("X-RateLimit-Reset", itoa(int(resetIn.Seconds())))

		if count > maxRequests {
			response.Error(c, errors.ErrRateLimit)
			c.Abort()
			return
		}

		c.Next()
	}
}
