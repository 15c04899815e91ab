package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(metricSection.WithLabelValues("part", "ok"))
	SectionInc("part", "ok")
	SectionInc("part", "ok")
	if got := testutil.ToFloat64(metricSection.WithLabelValues("part", "ok")); got != before+2 {
		t.Fatalf("got %v, expected %v", got, before+2)
	}

	bytesBefore := testutil.ToFloat64(metricLiteralBytes)
	LiteralBytesAdd(7)
	if got := testutil.ToFloat64(metricLiteralBytes); got != bytesBefore+7 {
		t.Fatalf("got %v, expected %v", got, bytesBefore+7)
	}

	PanicInc("serve")
	if got := testutil.ToFloat64(metricPanic.WithLabelValues("serve")); got != 1 {
		t.Fatalf("got %v, expected 1", got)
	}
}
