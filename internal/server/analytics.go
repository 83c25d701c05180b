package server

import (
	"bytes"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vespl/caseflow/internal/analytics"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// report returns a windowed report when since/until are given, otherwise the
// cached report, refreshing it when asked to or when none exists yet.
func (h *handlers) report(c *gin.Context) (*analytics.Report, bool) {
	win, err := parseWindow(c)
	if err != nil {
		badRequest(c, err.Error())
		return nil, false
	}
	ctx := c.Request.Context()

	if !win.Since.IsZero() || !win.Until.IsZero() || h.analytics == nil {
		if h.agg == nil {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, errorEnvelope{
				Error: apiError{Code: "analytics_unavailable", Message: "analytics is not configured"},
			})
			return nil, false
		}
		rep, err := h.agg.Run(ctx, win)
		if err != nil {
			respondError(c, err)
			return nil, false
		}
		return rep, true
	}

	if c.Query("fresh") != "1" {
		if rep, ok := h.analytics.Latest(); ok {
			return rep, true
		}
	}
	rep, err := h.analytics.Refresh(ctx)
	if err != nil {
		respondError(c, err)
		return nil, false
	}
	return rep, true
}

func (h *handlers) analyticsReport(c *gin.Context) {
	rep, ok := h.report(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, rep)
}

func (h *handlers) analyticsExport(c *gin.Context) {
	rep, ok := h.report(c)
	if !ok {
		return
	}
	var buf bytes.Buffer
	if err := analytics.WriteXLSX(&buf, rep); err != nil {
		respondError(c, err)
		return
	}
	name := fmt.Sprintf("caseflow-analytics-%s.xlsx", rep.GeneratedAt.Format("20060102"))
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	c.Data(http.StatusOK, xlsxContentType, buf.Bytes())
}

// parseWindow reads RFC 3339 or YYYY-MM-DD since/until query parameters.
func parseWindow(c *gin.Context) (analytics.Window, error) {
	var w analytics.Window
	for _, p := range []struct {
		key string
		dst *time.Time
	}{{"since", &w.Since}, {"until", &w.Until}} {
		raw := c.Query(p.key)
		if raw == "" {
			continue
		}
		t, err := parseTime(raw)
		if err != nil {
			return w, fmt.Errorf("%s: expected RFC 3339 or YYYY-MM-DD, got %q", p.key, raw)
		}
		*p.dst = t
	}
	if !w.Since.IsZero() && !w.Until.IsZero() && !w.Until.After(w.Since) {
		return w, fmt.Errorf("until must be after since")
	}
	return w, nil
}

func parseTime(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", raw)
}
