package auth

import "testing"

func BenchmarkVerifyPassword(b *testing.B) {
	hash, err := HashPassword("correct-horse-battery-staple")
	if err != nil {
		b.Fatalf("HashPassword: %v", err)
	}

	b.ResetTimer()
	for b.Loop() {
		VerifyPassword("correct-horse-battery-staple", hash) //nolint:errcheck // benchmark
	}
}

func BenchmarkParseAccessKey(b *testing.B) {
	key, _, err := IssueAccessKey(&User{ID: 1, Role: RoleClient}, testSecret, 0, "")
	if err != nil {
		b.Fatalf("IssueAccessKey: %v", err)
	}

	b.ResetTimer()
	for b.Loop() {
		ParseAccessKey(key, testSecret) //nolint:errcheck // benchmark
	}
}
