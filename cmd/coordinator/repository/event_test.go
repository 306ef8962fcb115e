package repository

import (
	"reflect"
	"testing"

	"github.com/vidforge/coordinator/common/models"
)

func TestSeveritiesAtOrAbove(t *testing.T) {
	tests := []struct {
		min  models.Severity
		want []string
	}{
		{models.SeverityCritical, []string{"critical"}},
		{models.SeverityWarn, []string{"critical", "warn"}},
		{models.SeverityInfo, []string{"critical", "warn", "info"}},
		{models.SeverityDebug, []string{"critical", "warn", "info", "debug"}},
	}

	for _, tt := range tests {
		got := severitiesAtOrAbove(tt.min)
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("severitiesAtOrAbove(%s) = %v, want %v", tt.min, got, tt.want)
		}
	}
}
