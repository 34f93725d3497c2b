package providers

import (
	"testing"

	"github.com/rescale/cloudstore/internal/cloud/storage"
)

func TestParseURI(t *testing.T) {
	tests := []struct {
		uri     string
		want    Location
		wantErr bool
	}{
		{uri: "s3://bucket/key", want: Location{"s3", "bucket", "key"}},
		{uri: "gs://bucket/dir/file.bin", want: Location{"gs", "bucket", "dir/file.bin"}},
		{uri: "S3://bucket/k", want: Location{"s3", "bucket", "k"}},
		{uri: "s3://bucket/dir/", wantErr: true},
		{uri: "s3://bucket", wantErr: true},
		{uri: "s3://bucket/", wantErr: true},
		{uri: "s3:///key", wantErr: true},
		{uri: "http://bucket/key", wantErr: true},
		{uri: "bucket/key", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.uri, func(t *testing.T) {
			got, err := ParseURI(tt.uri)
			if tt.wantErr {
				if !storage.IsUsageError(err) {
					t.Fatalf("ParseURI(%q) error = %v, want usage error", tt.uri, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseURI(%q) unexpected error: %v", tt.uri, err)
			}
			if got != tt.want {
				t.Errorf("ParseURI(%q) = %+v, want %+v", tt.uri, got, tt.want)
			}
			if got.String() != tt.want.Scheme+"://"+tt.want.Bucket+"/"+tt.want.Key {
				t.Errorf("String() = %q", got.String())
			}
		})
	}
}

func TestParsePrefixURI(t *testing.T) {
	tests := []struct {
		uri     string
		want    Location
		wantErr bool
	}{
		{uri: "s3://bucket", want: Location{"s3", "bucket", ""}},
		{uri: "s3://bucket/", want: Location{"s3", "bucket", ""}},
		{uri: "s3://bucket/runs/", want: Location{"s3", "bucket", "runs/"}},
		{uri: "GS://bucket/a", want: Location{"gs", "bucket", "a"}},
		{uri: "s3:///runs", wantErr: true},
		{uri: "ftp://bucket", wantErr: true},
		{uri: "bucket", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.uri, func(t *testing.T) {
			got, err := ParsePrefixURI(tt.uri)
			if tt.wantErr {
				if !storage.IsUsageError(err) {
					t.Fatalf("ParsePrefixURI(%q) error = %v, want usage error", tt.uri, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParsePrefixURI(%q) unexpected error: %v", tt.uri, err)
			}
			if got != tt.want {
				t.Errorf("ParsePrefixURI(%q) = %+v, want %+v", tt.uri, got, tt.want)
			}
		})
	}
}
