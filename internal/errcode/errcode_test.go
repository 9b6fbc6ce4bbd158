package errcode

import "testing"

func TestCloudErrorStrings(t *testing.T) {
	tests := []struct {
		name string
		err  CloudError
		want string
		ok   bool
	}{
		{"no error", NoError, "", true},
		{"invalid token", InvalidToken, "Token invalid. Please log in and try again.", false},
		{"permission denied", PermissionDenied, "Permission denied.", false},
		{"storage error", StorageError, "Storage error.", false},
		{"out of range", CloudError(-99), "Unknown internal error.", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.String(); got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}
			if got := tt.err.OK(); got != tt.ok {
				t.Errorf("OK() = %v, want %v", got, tt.ok)
			}
		})
	}
}

func TestDeviceErrorStrings(t *testing.T) {
	if DeviceNoError.String() != "" || !DeviceNoError.OK() {
		t.Errorf("DeviceNoError should be empty and OK")
	}
	if FunctionNotExist.String() != "Unknown function." {
		t.Errorf("FunctionNotExist String() = %q", FunctionNotExist.String())
	}
	if DeviceNotAvailable.OK() {
		t.Errorf("DeviceNotAvailable should not be OK")
	}
}
