package auth

import "testing"

func TestHasPermission(t *testing.T) {
	tests := []struct {
		role Role
		perm Permission
		want bool
	}{
		{RoleAdministrator, PermUserManage, true},
		{RoleAdministrator, PermMessageWrite, true},
		{RoleClient, PermDeviceRead, true},
		{RoleClient, PermDeviceRegister, true},
		{RoleClient, PermMessageWrite, true},
		{RoleClient, PermUserManage, false},
		{Role(7), PermDeviceRead, false},
	}
	for _, tt := range tests {
		if got := HasPermission(tt.role, tt.perm); got != tt.want {
			t.Errorf("HasPermission(%s, %s) = %v, want %v", tt.role, tt.perm, got, tt.want)
		}
	}
}

func TestPermissionsForRole(t *testing.T) {
	perms := PermissionsForRole(RoleClient)
	perms[0] = "tampered"
	if PermissionsForRole(RoleClient)[0] == "tampered" {
		t.Error("PermissionsForRole() returned the shared slice")
	}
	if PermissionsForRole(Role(7)) != nil {
		t.Error("PermissionsForRole(unknown) != nil")
	}
}

func TestParseRole(t *testing.T) {
	for _, r := range []Role{RoleAdministrator, RoleClient} {
		got, ok := ParseRole(r.String())
		if !ok || got != r {
			t.Errorf("ParseRole(%q) = %v, %v, want %v", r.String(), got, ok, r)
		}
	}
	if _, ok := ParseRole("owner"); ok {
		t.Error(`ParseRole("owner") ok = true, want false`)
	}
}
