package security

import "testing"

func TestValidateEndpointURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"public subscriber endpoint", "https://203.0.113.10/tradeloop/hooks", false},
		{"plain http is accepted", "http://93.184.216.34/hooks", false},
		{"loopback literal", "https://127.0.0.1/hooks", true},
		{"private range literal", "https://10.0.0.5/hooks", true},
		{"link-local literal", "https://169.254.169.254/latest/meta-data", true},
		{"unspecified address", "https://0.0.0.0/hooks", true},
		{"localhost by name", "https://localhost/hooks", true},
		{"cloud metadata hostname", "https://metadata.google.internal/computeMetadata", true},
		{"non-http scheme", "ftp://hooks.example.com/drop", true},
		{"missing host", "https:///hooks", true},
		{"garbage", "://not-a-url", true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateEndpointURL(tc.url)
			if (err != nil) != tc.wantErr {
				t.Errorf("ValidateEndpointURL(%q) error = %v, wantErr %v", tc.url, err, tc.wantErr)
			}
		})
	}
}
