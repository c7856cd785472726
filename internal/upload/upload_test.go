package upload

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/fpang/screenwatch/internal/event"
	"github.com/fpang/screenwatch/internal/pipeline"
)

// fakePutter fails with the queued errors in order, then succeeds.
type fakePutter struct {
	errs  []error
	calls int
	last  *s3.PutObjectInput
}

func (f *fakePutter) PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.calls++
	f.last = in
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &s3.PutObjectOutput{}, nil
}

func httpError(status int) error {
	return &smithyhttp.ResponseError{
		Response: &smithyhttp.Response{Response: &http.Response{StatusCode: status}},
		Err:      errors.New("request failed"),
	}
}

func testStage(putter *fakePutter, sleeps *[]time.Duration) *S3Stage {
	return &S3Stage{
		client:   putter,
		endpoint: "http://localhost:9000",
		bucket:   "screenshots",
		prefix:   "screens",
		sleep: func(d time.Duration) {
			*sleeps = append(*sleeps, d)
		},
	}
}

func testArtifact() event.Artifact {
	return event.Artifact{
		ID:        "art-1",
		Monitor:   event.Monitor{ID: "DP1_1920_1080_0_0"},
		Timestamp: time.Date(2026, 3, 14, 9, 26, 53, 120e6, time.UTC),
		Data:      []byte("webp bytes"),
		LocalPath: "/cache/2026/03/14/09/shot.webp",
	}
}

func collect(refs *[]event.Reference) pipeline.Emit[event.Reference] {
	return func(r event.Reference) {
		*refs = append(*refs, r)
	}
}

func TestTransientFailureRetriedThenSucceeds(t *testing.T) {
	putter := &fakePutter{errs: []error{httpError(503), httpError(503)}}
	var sleeps []time.Duration
	s := testStage(putter, &sleeps)

	var refs []event.Reference
	if err := s.Process(testArtifact(), collect(&refs)); err != nil {
		t.Fatalf("Process: %v", err)
	}

	if putter.calls != 3 {
		t.Errorf("putter called %d times, want 3", putter.calls)
	}
	wantSleeps := []time.Duration{500 * time.Millisecond, time.Second}
	if len(sleeps) != len(wantSleeps) {
		t.Fatalf("sleeps = %v, want %v", sleeps, wantSleeps)
	}
	for i := range wantSleeps {
		if sleeps[i] != wantSleeps[i] {
			t.Fatalf("sleeps = %v, want %v", sleeps, wantSleeps)
		}
	}
	if len(refs) != 1 {
		t.Fatalf("expected one reference, got %d", len(refs))
	}
	if refs[0].UploadFailed {
		t.Error("successful upload must not carry the error flag")
	}
	want := "http://localhost:9000/screenshots/screens/2026/03/14/09/1773480413120_DP1_1920_1080_0_0.webp"
	if refs[0].RemoteURL != want {
		t.Errorf("remote URL = %q, want %q", refs[0].RemoteURL, want)
	}
}

func TestExhaustionForwardsLocalReference(t *testing.T) {
	putter := &fakePutter{errs: []error{
		errors.New("dial tcp: connection refused"),
		errors.New("dial tcp: connection refused"),
		errors.New("dial tcp: connection refused"),
		errors.New("dial tcp: connection refused"),
		errors.New("dial tcp: connection refused"),
	}}
	var sleeps []time.Duration
	s := testStage(putter, &sleeps)

	var refs []event.Reference
	if err := s.Process(testArtifact(), collect(&refs)); err != nil {
		t.Fatalf("exhaustion must not fail the item: %v", err)
	}

	if putter.calls != maxAttempts {
		t.Errorf("putter called %d times, want %d", putter.calls, maxAttempts)
	}
	if len(refs) != 1 {
		t.Fatalf("artifact must be forwarded exactly once, got %d references", len(refs))
	}
	if !refs[0].UploadFailed {
		t.Error("exhausted upload must set the error flag")
	}
	if refs[0].RemoteURL != "" {
		t.Errorf("local-only reference should have no remote URL, got %q", refs[0].RemoteURL)
	}
	if refs[0].Artifact.LocalPath == "" {
		t.Error("forwarded reference must keep the local path")
	}
}

func TestPermanentFailureNotRetried(t *testing.T) {
	putter := &fakePutter{errs: []error{httpError(403), httpError(403)}}
	var sleeps []time.Duration
	s := testStage(putter, &sleeps)

	var refs []event.Reference
	if err := s.Process(testArtifact(), collect(&refs)); err != nil {
		t.Fatalf("Process: %v", err)
	}

	if putter.calls != 1 {
		t.Errorf("authentication failure retried, %d calls", putter.calls)
	}
	if len(sleeps) != 0 {
		t.Errorf("no backoff expected, slept %v", sleeps)
	}
	if len(refs) != 1 || !refs[0].UploadFailed {
		t.Fatalf("expected one failed reference, got %+v", refs)
	}
}

func TestRetryableClassification(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"network", errors.New("connection reset"), true},
		{"server error", httpError(500), true},
		{"bad gateway", httpError(502), true},
		{"throttled", httpError(429), true},
		{"forbidden", httpError(403), false},
		{"missing bucket", httpError(404), false},
		{"cancelled", context.Canceled, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := retryable(tc.err); got != tc.want {
				t.Errorf("retryable(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestObjectKeyLayout(t *testing.T) {
	s := &S3Stage{prefix: "screens"}
	key := s.objectKey(testArtifact())
	want := "screens/2026/03/14/09/1773480413120_DP1_1920_1080_0_0.webp"
	if key != want {
		t.Errorf("objectKey = %q, want %q", key, want)
	}

	s.prefix = ""
	key = s.objectKey(testArtifact())
	want = "2026/03/14/09/1773480413120_DP1_1920_1080_0_0.webp"
	if key != want {
		t.Errorf("objectKey without prefix = %q, want %q", key, want)
	}
}

func TestUploadRequestContents(t *testing.T) {
	putter := &fakePutter{}
	var sleeps []time.Duration
	s := testStage(putter, &sleeps)

	var refs []event.Reference
	if err := s.Process(testArtifact(), collect(&refs)); err != nil {
		t.Fatalf("Process: %v", err)
	}

	in := putter.last
	if aws.ToString(in.Bucket) != "screenshots" {
		t.Errorf("bucket = %q", aws.ToString(in.Bucket))
	}
	if aws.ToString(in.ContentType) != "image/webp" {
		t.Errorf("content type = %q", aws.ToString(in.ContentType))
	}
}

func TestPassthroughForwardsLocalReference(t *testing.T) {
	p := NewPassthrough()
	a := testArtifact()

	var refs []event.Reference
	if err := p.Process(a, collect(&refs)); err != nil {
		t.Fatalf("Process: %v", err)
	}

	if len(refs) != 1 {
		t.Fatalf("expected one reference, got %d", len(refs))
	}
	if refs[0].RemoteURL != "" || refs[0].UploadFailed {
		t.Errorf("passthrough reference must be local-only, got %+v", refs[0])
	}
	if refs[0].Artifact.LocalPath != a.LocalPath {
		t.Errorf("local path lost: %q", refs[0].Artifact.LocalPath)
	}
}
