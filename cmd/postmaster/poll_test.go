package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gotrs-io/gotrs-postmaster/internal/models"
)

func TestSelectQueues(t *testing.T) {
	queues := []models.Queue{{ID: 1, Slug: "QQ"}, {ID: 2, Slug: "BILL"}}

	got, err := selectQueues(queues, []string{"bill", " qq "})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 2, got[0].ID)
	assert.Equal(t, 1, got[1].ID)

	_, err = selectQueues(queues, []string{"ARCHIVE"})
	assert.ErrorContains(t, err, `unknown or disabled queue "ARCHIVE"`)
}
