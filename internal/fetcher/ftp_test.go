package fetcher

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFTPURL(t *testing.T) {
	tests := []struct {
		name     string
		url      string
		wantHost string
		wantPath string
		wantErr  bool
	}{
		{
			name:     "standard ftp url",
			url:      "ftp://ftp.example.com/pub/mesh/latest.grib2.gz",
			wantHost: "ftp.example.com:21",
			wantPath: "/pub/mesh/latest.grib2.gz",
		},
		{
			name:     "ftp url with port",
			url:      "ftp://mirror.example.com:2121/mrms/MESH/",
			wantHost: "mirror.example.com:2121",
			wantPath: "/mrms/MESH/",
		},
		{
			name:    "http scheme rejected",
			url:     "http://example.com/file.csv",
			wantErr: true,
		},
		{
			name:    "empty path",
			url:     "ftp://ftp.example.com",
			wantErr: true,
		},
		{
			name:    "invalid url",
			url:     "://bad",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host, path, err := parseFTPURL(tt.url)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantHost, host)
			assert.Equal(t, tt.wantPath, path)
		})
	}
}

func TestNewFTPFetcher_Defaults(t *testing.T) {
	f := NewFTPFetcher(FTPOptions{})
	assert.Equal(t, "anonymous", f.opts.User)
	assert.NotZero(t, f.opts.Timeout)

	f = NewFTPFetcher(FTPOptions{User: "ops", Password: "secret"})
	assert.Equal(t, "ops", f.opts.User)
}
