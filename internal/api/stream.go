package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rossigee/street-coverage/internal/events"
	"github.com/rossigee/street-coverage/pkg/types"
)

// StreamJobEvents streams a job's progress as server-sent events. The
// current state is sent first; the stream ends after the job's final
// event.
func (h *Handler) StreamJobEvents(c *gin.Context) {
	jobID := c.Param("job_id")

	// Subscribe before reading the snapshot so no event falls in between
	sub := h.bus.Subscribe(jobID)
	defer h.bus.Unsubscribe(sub)

	job, err := h.jobManager.GetJob(c.Request.Context(), jobID)
	if err != nil {
		writeError(c, "job not found", err)
		return
	}

	initial := []types.Event{{
		JobID: job.ID,
		Type:  types.EventProgress,
		Payload: map[string]any{
			"status":  job.Status,
			"stage":   job.Progress.Stage,
			"percent": job.Progress.Percent,
			"message": job.Progress.Message,
		},
		Timestamp: job.UpdatedAt,
	}}
	if job.Status.Terminal() {
		final := types.Event{
			JobID:     job.ID,
			Type:      types.EventJobCompleted,
			Payload:   map[string]any{"status": job.Status, "area_id": job.AreaID},
			Timestamp: job.UpdatedAt,
		}
		if job.Status != types.StatusCompleted {
			final.Type = types.EventJobFailed
			final.Payload["error"] = job.Error
		}
		initial = append(initial, final)
	}

	h.stream(c, sub, initial, func(ev types.Event) bool {
		return ev.Type == types.EventJobCompleted || ev.Type == types.EventJobFailed
	})
}

// StreamAreaEvents streams coverage_updated events of an area until the
// client disconnects
func (h *Handler) StreamAreaEvents(c *gin.Context) {
	areaID := c.Param("id")
	sub := h.bus.Subscribe(events.AreaTopic(areaID))
	defer h.bus.Unsubscribe(sub)

	area, err := h.store.GetArea(c.Request.Context(), areaID)
	if err != nil {
		writeError(c, "area not found", err)
		return
	}

	initial := []types.Event{{
		Type: types.EventCoverageUpdated,
		Payload: map[string]any{
			"area_id":          area.ID,
			"updated_count":    0,
			"coverage_percent": area.Stats.CoveragePercent,
		},
		Timestamp: area.UpdatedAt,
	}}
	h.stream(c, sub, initial, func(types.Event) bool { return false })
}

// stream writes initial and then every event from sub until done reports
// true, the subscription closes or the client goes away
func (h *Handler) stream(c *gin.Context, sub *events.Subscription, initial []types.Event, done func(types.Event) bool) {
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	for _, ev := range initial {
		c.SSEvent(ev.Type, ev)
		if done(ev) {
			c.Writer.Flush()
			return
		}
	}
	c.Writer.Flush()

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			c.SSEvent(ev.Type, ev)
			c.Writer.Flush()
			if done(ev) {
				return
			}
		case <-heartbeat.C:
			c.SSEvent("ping", gin.H{"ts": time.Now().UTC()})
			c.Writer.Flush()
		case <-c.Request.Context().Done():
			return
		}
	}
}
