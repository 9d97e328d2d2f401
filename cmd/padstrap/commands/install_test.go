package commands

import "testing"

func TestIdentityFromFilename(t *testing.T) {
	cases := []struct {
		path        string
		name        string
		version     string
		expectError bool
	}{
		{path: "toolchain-1.4.2.pkg", name: "toolchain", version: "1.4.2"},
		{path: "/tmp/downloads/base-image-2.0.pkg", name: "base-image", version: "2.0"},
		{path: "runtime-3", name: "runtime", version: "3"},
		{path: "noversion.pkg", expectError: true},
		{path: "trailing-.pkg", expectError: true},
	}

	for _, tc := range cases {
		id, err := identityFromFilename(tc.path)
		if tc.expectError {
			if err == nil {
				t.Errorf("%s: expected error, got %v", tc.path, id)
			}
			continue
		}
		if err != nil {
			t.Errorf("%s: unexpected error: %v", tc.path, err)
			continue
		}
		if id.Name != tc.name || id.Version != tc.version {
			t.Errorf("%s: got %s/%s, want %s/%s", tc.path, id.Name, id.Version, tc.name, tc.version)
		}
	}
}
