package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	_ "github.com/odyssey-erp/odyssey-supply/internal/testing/guard"
)

func TestMainSkipsStartupInTestMode(t *testing.T) {
	assert.NotPanics(t, main)
}
