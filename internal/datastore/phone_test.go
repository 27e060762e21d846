package datastore

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeNumber(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"+1 (555) 010-0100", "+15550100100"},
		{"0044 20 7946 0000", "+442079460000"},
		{"020 7946 0000", "02079460000"},
		{"+４４２０７９４６００００", "+442079460000"},
		{"  555.0100  ", "5550100"},
		{"", UnknownNumber},
		{"   ", UnknownNumber},
		{"-1", UnknownNumber},
		{"-2", UnknownNumber},
		{"Private", UnknownNumber},
		{"+", UnknownNumber},
		{"12+34", "1234"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeNumber(tt.in))
		})
	}
}
