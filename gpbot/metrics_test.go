package gpbot

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics(t *testing.T) {
	t.Parallel()
	m := NewMetrics()

	m.moderationDecision(DecisionWarn)
	m.moderationDecision(DecisionWarn)
	m.moderationDecision(DecisionTimeout)
	m.chatRequest(metricSourceCommand, metricOutcomeSuccess)
	m.cooldownRejection(metricSourceMessage)
	m.llmRequest(llmBackendChat, metricOutcomeError)

	assert.InDelta(t, 2, testutil.ToFloat64(m.moderationDecisions.WithLabelValues("warn")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.moderationDecisions.WithLabelValues("timeout")), 0)
	assert.InDelta(
		t,
		1,
		testutil.ToFloat64(m.chatRequests.WithLabelValues(metricSourceCommand, metricOutcomeSuccess)),
		0,
	)
	assert.InDelta(t, 1, testutil.ToFloat64(m.cooldownRejections.WithLabelValues(metricSourceMessage)), 0)
	assert.InDelta(
		t,
		1,
		testutil.ToFloat64(m.llmRequests.WithLabelValues(llmBackendChat, metricOutcomeError)),
		0,
	)
}

func TestMetrics_Nil(t *testing.T) {
	t.Parallel()
	var m *Metrics
	assert.NotPanics(
		t, func() {
			m.moderationDecision(DecisionWarn)
			m.chatRequest(metricSourceCommand, metricOutcomeSuccess)
			m.cooldownRejection(metricSourceCommand)
			m.llmRequest(llmBackendModeration, metricOutcomeSuccess)
		},
	)
	assert.Nil(t, m.Registry())
}

func TestBot_MetricsRecorded(t *testing.T) {
	t.Parallel()
	tb := newTestBot(t)
	tb.setDesignatedChannel(t, testDesignatedChannelID)

	u := newDiscordUser()
	tb.handleMessage(context.Background(), newGuildMessage(u, testDesignatedChannelID, "first question"))
	tb.handleMessage(context.Background(), newGuildMessage(u, testDesignatedChannelID, "second question"))

	m := tb.metrics
	assert.InDelta(t, 2, testutil.ToFloat64(m.moderationDecisions.WithLabelValues("none")), 0)
	assert.InDelta(
		t,
		1,
		testutil.ToFloat64(m.chatRequests.WithLabelValues(metricSourceMessage, metricOutcomeSuccess)),
		0,
	)
	assert.InDelta(t, 1, testutil.ToFloat64(m.cooldownRejections.WithLabelValues(metricSourceMessage)), 0)
	assert.InDelta(
		t,
		2,
		testutil.ToFloat64(m.llmRequests.WithLabelValues(llmBackendModeration, metricOutcomeSuccess)),
		0,
	)
}
