package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// -----------------------------------------------------------------------------
// Mock S3 Client for Testing
// -----------------------------------------------------------------------------

// MockS3Client is a test double for API.
type MockS3Client struct {
	mu      sync.RWMutex
	objects map[string][]byte

	// Call counters for test assertions
	PutObjectCalls  int
	GetObjectCalls  int
	HeadObjectCalls int

	// Ranges records the Range header of every GetObject call, in order.
	Ranges []string

	// GetObjectErr, when set, is returned by GetObject for the given Range
	// header instead of serving data.
	GetObjectErr map[string]error
}

// NewMockS3Client creates a new mock S3 client for testing.
func NewMockS3Client() *MockS3Client {
	return &MockS3Client{
		objects: make(map[string][]byte),
	}
}

// ResetCounts resets call counters for test isolation.
func (m *MockS3Client) ResetCounts() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PutObjectCalls = 0
	m.GetObjectCalls = 0
	m.HeadObjectCalls = 0
	m.Ranges = nil
}

// Counts returns the GetObject and HeadObject call counts under the lock.
func (m *MockS3Client) Counts() (getObject, headObject int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.GetObjectCalls, m.HeadObjectCalls
}

// PutObject implements API.PutObject for testing.
func (m *MockS3Client) PutObject(_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	key := aws.ToString(params.Key)
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.PutObjectCalls++

	// Handle If-None-Match: "*" (conditional write for immutability)
	if aws.ToString(params.IfNoneMatch) == "*" {
		if _, exists := m.objects[key]; exists {
			return nil, &smithyAPIError{code: "PreconditionFailed", message: "object already exists"}
		}
	}

	m.objects[key] = data
	return &s3.PutObjectOutput{}, nil
}

// GetObject implements API.GetObject for testing.
func (m *MockS3Client) GetObject(_ context.Context, params *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	key := aws.ToString(params.Key)
	rangeStr := aws.ToString(params.Range)

	m.mu.Lock()
	m.GetObjectCalls++
	m.Ranges = append(m.Ranges, rangeStr)
	data, exists := m.objects[key]
	injected := m.GetObjectErr[rangeStr]
	m.mu.Unlock()

	if injected != nil {
		return nil, injected
	}
	if !exists {
		return nil, &types.NoSuchKey{}
	}

	if params.Range != nil {
		var start, end int64
		_, _ = fmt.Sscanf(rangeStr, "bytes=%d-%d", &start, &end)

		if start >= int64(len(data)) {
			return nil, &smithyAPIError{code: "InvalidRange"}
		}

		if end >= int64(len(data)) {
			end = int64(len(data)) - 1
		}

		data = data[start : end+1]
	}

	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(data)),
		ContentLength: aws.Int64(int64(len(data))),
	}, nil
}

// HeadObject implements API.HeadObject for testing.
func (m *MockS3Client) HeadObject(_ context.Context, params *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	key := aws.ToString(params.Key)

	m.mu.Lock()
	m.HeadObjectCalls++
	data, exists := m.objects[key]
	m.mu.Unlock()

	if !exists {
		return nil, &types.NotFound{}
	}

	return &s3.HeadObjectOutput{ContentLength: aws.Int64(int64(len(data)))}, nil
}

// smithyAPIError implements smithy.APIError for testing.
type smithyAPIError struct {
	code    string
	message string
}

func (e *smithyAPIError) Error() string {
	return e.message
}

func (e *smithyAPIError) ErrorCode() string {
	return e.code
}

func (e *smithyAPIError) ErrorMessage() string {
	return e.message
}

func (e *smithyAPIError) ErrorFault() smithy.ErrorFault {
	return smithy.FaultUnknown
}
