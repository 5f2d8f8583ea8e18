package middleware

import (
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LoggerMiddleware logs one line per request. Server errors log at error
// level, client errors at warn, the rest at debug so polling clients do not
// flood the log.
func LoggerMiddleware(logger *zap.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			// Process request
			err := next(c)

			if err != nil {
				c.Error(err)
			}

			req := c.Request()
			res := c.Response()
			path := req.URL.Path
			if req.URL.RawQuery != "" {
				path += "?" + req.URL.RawQuery
			}

			level := zapcore.DebugLevel
			switch {
			case res.Status >= http.StatusInternalServerError:
				level = zapcore.ErrorLevel
			case res.Status >= http.StatusBadRequest:
				level = zapcore.WarnLevel
			}

			if ce := logger.Check(level, "http request"); ce != nil {
				ce.Write(
					zap.String("method", req.Method),
					zap.String("path", path),
					zap.Int("status", res.Status),
					zap.Duration("latency", time.Since(start)),
					zap.String("ip", c.RealIP()),
				)
			}

			return nil
		}
	}
}

// RecoverMiddleware turns a handler panic into a 500.
func RecoverMiddleware(logger *zap.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("recovered from panic",
						zap.Any("panic", r), zap.String("path", c.Request().URL.Path))
					err = fmt.Errorf("internal server error")
				}
			}()
			return next(c)
		}
	}
}
