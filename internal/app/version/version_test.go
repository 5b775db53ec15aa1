package version

import "testing"

func TestUserAgent(t *testing.T) {
	orig := buildVersion
	t.Cleanup(func() { buildVersion = orig })

	buildVersion = "dev"
	if got := UserAgent(); got != "Sync-Google-API-IP-whitelist/1.0 (+fetch ipranges)" {
		t.Fatalf("UserAgent() = %q", got)
	}

	buildVersion = "2.3.0"
	if got := UserAgent(); got != "Sync-Google-API-IP-whitelist/2.3.0 (+fetch ipranges)" {
		t.Fatalf("UserAgent() = %q", got)
	}
	if Get().BuildVersion != "2.3.0" {
		t.Fatalf("Get() = %+v", Get())
	}
}
