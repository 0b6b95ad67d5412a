package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLocationCondition_Matches(t *testing.T) {
	loc := Location{Province: "Lao Cai", District: "Sa Pa", Ward: "Cau May"}

	assert.True(t, LocationCondition{}.Matches(loc))
	assert.True(t, LocationCondition{Province: "lao cai "}.Matches(loc))
	assert.True(t, LocationCondition{Province: "Lao Cai", District: "Sa Pa"}.Matches(loc))
	assert.False(t, LocationCondition{Province: "Lao Cai", District: "Bat Xat"}.Matches(loc))
	assert.False(t, LocationCondition{Ward: "Cau May"}.Matches(Location{Province: "Lao Cai"}))
}
