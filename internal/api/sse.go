package api

import (
	"bufio"
	"net/url"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"
	"github.com/valyala/fasthttp"

	"github.com/recbase-io/recbase/internal/auth"
	"github.com/recbase-io/recbase/internal/observability"
	"github.com/recbase-io/recbase/internal/records"
)

// keepAliveInterval paces SSE comment frames that keep intermediaries
// from timing the stream out.
const keepAliveInterval = 30 * time.Second

// handleSubscribe serves GET /{api}/subscribe/{id|*} as an SSE stream of
// DbEvent payloads.
func (s *Server) handleSubscribe(c *fiber.Ctx) error {
	api, err := s.lookupAPI(c)
	if err != nil {
		return sendRecordError(c, err)
	}
	user := auth.UserFromContext(c)

	target := c.Params("id")

	var subscriber *records.Subscriber
	if target == "*" {
		values, perr := url.ParseQuery(string(c.Request().URI().QueryString()))
		if perr != nil {
			return sendRecordError(c, records.BadRequest("invalid query string"))
		}
		filter, ferr := records.ParseFilterTree(values, api, s.config.API.StrictFilters)
		if ferr != nil {
			return sendRecordError(c, ferr)
		}
		subscriber, err = s.subs.SubscribeTable(c.Context(), api, user, filter)
	} else {
		recordID, perr := api.ParseRecordID(target)
		if perr != nil {
			return sendRecordError(c, perr)
		}
		subscriber, err = s.subs.SubscribeRecord(c.Context(), api, user, recordID)
	}
	if err != nil {
		return sendRecordError(c, err)
	}

	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	metrics := observability.GetMetrics()
	metrics.SubscriptionOpened()

	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		defer func() {
			subscriber.Close()
			metrics.SubscriptionClosed()
		}()

		// The comment flushes headers so clients observe the stream as
		// established before any event arrives.
		if _, err := w.WriteString(": subscription established\n\n"); err != nil {
			return
		}
		if err := w.Flush(); err != nil {
			return
		}

		keepAlive := time.NewTicker(keepAliveInterval)
		defer keepAlive.Stop()

		for {
			select {
			case payload, open := <-subscriber.Events():
				if !open {
					return
				}
				if _, err := w.WriteString("data: "); err != nil {
					return
				}
				if _, err := w.Write(payload); err != nil {
					return
				}
				if _, err := w.WriteString("\n\n"); err != nil {
					return
				}
				if err := w.Flush(); err != nil {
					return
				}
				metrics.EventDelivered()

			case <-keepAlive.C:
				if _, err := w.WriteString(": keep-alive\n\n"); err != nil {
					return
				}
				if err := w.Flush(); err != nil {
					return
				}
			}
		}
	}))

	log.Debug().Str("api", api.Name()).Str("target", target).Msg("Subscription stream opened")
	return nil
}
