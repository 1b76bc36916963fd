// Package activity tracks in-flight dispatches per channel account.
package activity

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/memohai/dingtalk-bridge/internal/channel"
	"github.com/memohai/dingtalk-bridge/internal/channel/inbound"
	"github.com/memohai/dingtalk-bridge/internal/metrics"
)

// Status is the observed activity of one account.
type Status struct {
	Channel   channel.ChannelType `json:"channel"`
	AccountID string              `json:"account_id"`
	InFlight  int                 `json:"in_flight"`
	LastStart time.Time           `json:"last_start,omitempty"`
	LastStop  time.Time           `json:"last_stop,omitempty"`
}

// Recorder implements inbound.ActivityRecorder.
type Recorder struct {
	logger  *slog.Logger
	metrics *metrics.BridgeMetrics
	now     func() time.Time

	mu       sync.Mutex
	accounts map[string]*Status
}

// NewRecorder creates a recorder. m may be nil.
func NewRecorder(log *slog.Logger, m *metrics.BridgeMetrics) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{
		logger:   log.With(slog.String("component", "activity")),
		metrics:  m,
		now:      time.Now,
		accounts: map[string]*Status{},
	}
}

// Record marks the start or stop of a dispatch.
func (r *Recorder) Record(channelType channel.ChannelType, accountID string, event inbound.ActivityEvent) {
	key := channelType.String() + "/" + accountID
	r.mu.Lock()
	st, ok := r.accounts[key]
	if !ok {
		st = &Status{Channel: channelType, AccountID: accountID}
		r.accounts[key] = st
	}
	var delta float64
	switch event {
	case inbound.ActivityStart:
		st.InFlight++
		st.LastStart = r.now()
		delta = 1
	case inbound.ActivityStop:
		if st.InFlight > 0 {
			st.InFlight--
			delta = -1
		}
		st.LastStop = r.now()
	default:
		r.mu.Unlock()
		r.logger.Warn("unknown activity event", slog.String("event", string(event)))
		return
	}
	inFlight := st.InFlight
	r.mu.Unlock()

	if delta != 0 {
		r.metrics.AddInFlight(channelType.String(), accountID, delta)
	}
	r.logger.Debug("activity", slog.String("channel", channelType.String()), slog.String("account_id", accountID), slog.String("event", string(event)), slog.Int("in_flight", inFlight))
}

// Snapshot returns the status of every account seen so far.
func (r *Recorder) Snapshot() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	items := make([]Status, 0, len(r.accounts))
	for _, st := range r.accounts {
		items = append(items, *st)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].Channel == items[j].Channel {
			return items[i].AccountID < items[j].AccountID
		}
		return items[i].Channel < items[j].Channel
	})
	return items
}
