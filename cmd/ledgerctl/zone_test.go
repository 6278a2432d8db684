package main

import (
	"testing"
	"time"

	"github.com/casinoloyalty/ledger-server/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGamingDayForNamedZone(t *testing.T) {
	settings := models.TenantSettings{
		TenantID:       "casino-1",
		Timezone:       "America/Los_Angeles",
		GamingDayStart: "06:00",
	}
	require.NoError(t, settings.Validate())

	// 12:30 UTC is 05:30 PDT, before the gaming day starts
	day, err := settings.GamingDay(time.Date(2026, 7, 4, 12, 30, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, "2026-07-03", day.Format("2006-01-02"))
}
