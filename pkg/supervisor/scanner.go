package supervisor

import (
	"bufio"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/cubeforge/minefleet/pkg/events"
	"github.com/cubeforge/minefleet/pkg/types"
)

// Matchers applied to every stdout line. Paper prints
// "TPS from last 1m, 5m, 15m: 20.0, 20.0, 20.0" in response to the tps
// command; the first window is the one sampled. Some locales print a
// decimal comma.
var (
	tpsPattern   = regexp.MustCompile(`TPS from last \d+m(?:, \d+m)*: (\d+(?:[.,]\d+)?)`)
	joinPattern  = regexp.MustCompile(`(\w+) joined the game`)
	leavePattern = regexp.MustCompile(`(\w+) left the game`)
)

// scanLines is the single per-stream line scanner: it forwards every
// line to the console topic in read order, then runs the fixed matcher
// list (TPS, player join/leave) over stdout lines.
func (s *Supervisor) scanLines(h *handle, inst *types.Instance, r io.Reader, stream string) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)

	for scanner.Scan() {
		line := scanner.Text()
		h.appendWindow(line)

		s.bus.Publish(events.Event{
			Topic: events.ConsoleTopic(h.instanceID),
			Type:  events.EventConsoleLine,
			Payload: events.ConsoleLine{
				InstanceID: h.instanceID,
				Stream:     stream,
				Line:       line,
			},
		})

		if stream != "stdout" {
			continue
		}

		if tps, ok := parseTPS(line); ok {
			s.tracker.SetTPS(h.instanceID, tps)
		}
		if m := joinPattern.FindStringSubmatch(line); m != nil {
			s.publishPlayerEvent(h.instanceID, events.EventPlayerJoin, m[1])
		}
		if m := leavePattern.FindStringSubmatch(line); m != nil {
			s.publishPlayerEvent(h.instanceID, events.EventPlayerLeave, m[1])
		}
	}
}

func (s *Supervisor) publishPlayerEvent(instanceID string, kind events.EventType, player string) {
	s.bus.Publish(events.Event{
		Topic: events.StatusTopic(instanceID),
		Type:  kind,
		Payload: events.PlayerEvent{
			InstanceID: instanceID,
			Player:     player,
		},
	})
}

// parseTPS extracts the first TPS window from a console line.
func parseTPS(line string) (float64, bool) {
	m := tpsPattern.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", "."), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
