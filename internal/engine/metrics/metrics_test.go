package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordWaitCertCounters(t *testing.T) {
	c := NewCollector("poet_test")

	c.RecordWaitCertBegun("validator-1")
	c.RecordWaitCertFinalized("validator-1")
	c.RecordWaitCertAborted("validator-1")
	c.RecordWaitCertVerified(true, nil)
	c.RecordWaitCertVerified(false, nil)

	if got := testutil.ToFloat64(c.waitCertBegun.WithLabelValues("validator-1")); got != 1 {
		t.Fatalf("waitCertBegun = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.waitCertFinalized.WithLabelValues("validator-1")); got != 1 {
		t.Fatalf("waitCertFinalized = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.waitCertAborted.WithLabelValues("validator-1")); got != 1 {
		t.Fatalf("waitCertAborted = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.waitCertVerified.WithLabelValues("valid")); got != 1 {
		t.Fatalf("waitCertVerified{valid} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.waitCertVerified.WithLabelValues("invalid")); got != 1 {
		t.Fatalf("waitCertVerified{invalid} = %v, want 1", got)
	}
}

func TestRecordEnclaveRPC(t *testing.T) {
	c := NewCollector("poet_test")

	c.RecordEnclaveRPC("initialize_wait_certificate", 10*time.Millisecond, nil)
	c.RecordEnclaveRPC("initialize_wait_certificate", 10*time.Millisecond, errBoom)

	if got := testutil.ToFloat64(c.enclaveRPCTotal.WithLabelValues("initialize_wait_certificate", "ok")); got != 1 {
		t.Fatalf("enclaveRPCTotal{ok} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.enclaveRPCTotal.WithLabelValues("initialize_wait_certificate", "error")); got != 1 {
		t.Fatalf("enclaveRPCTotal{error} = %v, want 1", got)
	}
}

func TestRecordEnrollmentSubmission(t *testing.T) {
	c := NewCollector("poet_test")

	c.RecordEnrollmentSubmission(nil)
	c.RecordEnrollmentSubmission(errBoom)

	if got := testutil.ToFloat64(c.enrollmentSubmissions.WithLabelValues("ok")); got != 1 {
		t.Fatalf("enrollmentSubmissions{ok} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.enrollmentSubmissions.WithLabelValues("error")); got != 1 {
		t.Fatalf("enrollmentSubmissions{error} = %v, want 1", got)
	}
}

var errBoom = &boomError{}

type boomError struct{}

func (*boomError) Error() string { return "boom" }
