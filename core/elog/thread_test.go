package elog

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func threadEntry(subject, date, parent, children string) map[string]string {
	attrs := entryAttrs(subject, date)
	if parent != "" {
		attrs["In reply to"] = parent
	}
	if children != "" {
		attrs["Reply to"] = children
	}
	return attrs
}

func TestThreadWalksParentsAndReplies(t *testing.T) {
	fake := newFakeLogbook()
	fake.add(1, threadEntry("root", "Mon, 1 Sep 2025 08:00:00 +0200", "", "2"), "start")
	fake.add(2, threadEntry("mid", "Mon, 1 Sep 2025 09:00:00 +0200", "1", "3,4"), "follow-up")
	fake.add(3, threadEntry("leaf a", "Mon, 1 Sep 2025 10:00:00 +0200", "2", ""), "fixed")
	fake.add(4, threadEntry("leaf b", "Mon, 1 Sep 2025 11:00:00 +0200", "2", ""), "confirmed")
	svc, _ := newTestService(t, fake)

	// Entering from the middle finds both ancestors and descendants.
	result, err := svc.Thread(context.Background(), 2, true, true)
	require.NoError(t, err)

	assert.Equal(t, 4, result.TotalMessages)
	require.NotNil(t, result.Root)
	assert.Equal(t, 1, result.Root.Entry.ID)

	// Timestamp ascending.
	var ids []int
	for _, msg := range result.Messages {
		ids = append(ids, msg.Entry.ID)
	}
	assert.Equal(t, []int{1, 2, 3, 4}, ids)
	assert.Contains(t, result.Messages[0].FormattedContext, "### ELOG Entry #1: root")
}

func TestThreadParentsOnly(t *testing.T) {
	fake := newFakeLogbook()
	fake.add(1, threadEntry("root", "Mon, 1 Sep 2025 08:00:00 +0200", "", "2"), "")
	fake.add(2, threadEntry("child", "Mon, 1 Sep 2025 09:00:00 +0200", "1", ""), "")
	svc, _ := newTestService(t, fake)

	result, err := svc.Thread(context.Background(), 2, false, true)
	require.NoError(t, err)
	assert.Equal(t, 2, result.TotalMessages)

	result, err = svc.Thread(context.Background(), 2, false, false)
	require.NoError(t, err)
	assert.Equal(t, 1, result.TotalMessages)
	assert.Equal(t, 2, result.Root.Entry.ID)
}

func TestThreadCycleGuard(t *testing.T) {
	fake := newFakeLogbook()
	// 1 and 2 reply to each other; the visited set must stop the walk.
	fake.add(1, threadEntry("a", "Mon, 1 Sep 2025 08:00:00 +0200", "2", "2"), "")
	fake.add(2, threadEntry("b", "Mon, 1 Sep 2025 09:00:00 +0200", "1", "1"), "")
	svc, _ := newTestService(t, fake)

	result, err := svc.Thread(context.Background(), 1, true, true)
	require.NoError(t, err)
	assert.Equal(t, 2, result.TotalMessages)
}

func TestThreadMissingRoot(t *testing.T) {
	svc, _ := newTestService(t, newFakeLogbook())
	_, err := svc.Thread(context.Background(), 404, true, true)
	require.Error(t, err)
}

func TestThreadUnreadableReplySkipped(t *testing.T) {
	fake := newFakeLogbook()
	fake.add(1, threadEntry("root", "Mon, 1 Sep 2025 08:00:00 +0200", "", "2,3"), "")
	fake.add(3, threadEntry("ok", "Mon, 1 Sep 2025 10:00:00 +0200", "1", ""), "")
	fake.failReads[2] = true
	svc, _ := newTestService(t, fake)

	result, err := svc.Thread(context.Background(), 1, true, true)
	require.NoError(t, err)
	assert.Equal(t, 2, result.TotalMessages)
}
