package config

import (
	"strings"
	"testing"
)

func TestParseICEServersJSON(t *testing.T) {
	t.Parallel()

	raw := `[
	  {"urls": "stun:stun.example.com:3478"},
	  {"urls": [" turn:turn.example.com:3478?transport=udp ", ""], "username": "user", "credential": "pass"}
	]`
	servers, err := ParseICEServersJSON(raw, false)
	if err != nil {
		t.Fatalf("ParseICEServersJSON: %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("len=%d, want 2", len(servers))
	}
	if got := servers[0].URLs; len(got) != 1 || got[0] != "stun:stun.example.com:3478" {
		t.Fatalf("stun urls=%#v", got)
	}
	if got := servers[1].URLs; len(got) != 1 || got[0] != "turn:turn.example.com:3478?transport=udp" {
		t.Fatalf("turn urls=%#v", got)
	}
	if servers[1].Username != "user" || servers[1].Credential != "pass" {
		t.Fatalf("turn creds=%q/%#v", servers[1].Username, servers[1].Credential)
	}
}

func TestParseICEServersJSONErrors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name, raw, want string
	}{
		{"not json", `[`, "unexpected end"},
		{"no urls", `[{"urls": []}]`, "iceServers[0]: missing urls"},
		{"bad scheme", `[{"urls": ["http://x"]}]`, "unsupported url scheme"},
		{"turn without creds", `[{"urls": ["turn:t.example.com"]}]`, "require username"},
		{"turn without credential", `[{"urls": ["turn:t.example.com"], "username": "u"}]`, "require credential"},
		{"urls wrong type", `[{"urls": 7}]`, "urls:"},
	}
	for _, tc := range cases {
		_, err := ParseICEServersJSON(tc.raw, false)
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s: err=%v, want containing %q", tc.name, err, tc.want)
		}
	}
}

func TestParseICEServersJSON_AllowsTURNWithoutCredsWhenEnabled(t *testing.T) {
	t.Parallel()

	servers, err := ParseICEServersJSON(`[{"urls": ["turn:turn.example.com:3478"]}]`, true)
	if err != nil {
		t.Fatalf("ParseICEServersJSON: %v", err)
	}
	if len(servers) != 1 || servers[0].Username != "" || servers[0].Credential != nil {
		t.Fatalf("servers=%#v, want one TURN entry without creds", servers)
	}
}

func TestParseICEServersFromConvenienceEnv(t *testing.T) {
	t.Parallel()

	servers, err := ParseICEServersFromConvenienceEnv(
		"stun:a.example.com:3478, stun:b.example.com:3478",
		"turn:turn.example.com:3478?transport=udp",
		" user ",
		"pass",
		false,
	)
	if err != nil {
		t.Fatalf("ParseICEServersFromConvenienceEnv: %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("len=%d, want 2", len(servers))
	}
	if len(servers[0].URLs) != 2 || servers[0].Username != "" || servers[0].Credential != nil {
		t.Fatalf("stun entry=%#v", servers[0])
	}
	if servers[1].Username != "user" || servers[1].Credential != "pass" {
		t.Fatalf("turn entry=%#v", servers[1])
	}

	if _, err := ParseICEServersFromConvenienceEnv("", "turn:t.example.com", "user", "", false); err == nil {
		t.Fatalf("expected error for TURN without credential")
	}
	servers, err = ParseICEServersFromConvenienceEnv("", "turn:t.example.com", "", "", true)
	if err != nil || len(servers) != 1 {
		t.Fatalf("servers=%#v err=%v, want one TURN entry", servers, err)
	}
	if servers, err := ParseICEServersFromConvenienceEnv("", "", "", "", false); err != nil || len(servers) != 0 {
		t.Fatalf("servers=%#v err=%v, want none", servers, err)
	}
}

func TestDefaultICEServers(t *testing.T) {
	t.Parallel()

	servers := DefaultICEServers("ws://10.1.2.3:8080/ws", "k")
	if len(servers) != len(DefaultSTUNURLs)+1 {
		t.Fatalf("len=%d, want %d", len(servers), len(DefaultSTUNURLs)+1)
	}
	last := servers[len(servers)-1]
	if !HasTURNURL(last) || last.URLs[0] != "turn:10.1.2.3:3478" {
		t.Fatalf("unexpected turn server: %#v", last)
	}
	for _, s := range servers[:len(servers)-1] {
		if HasTURNURL(s) {
			t.Fatalf("unexpected turn url in stun entry: %#v", s)
		}
	}

	if got := DefaultICEServers("ws://10.1.2.3:8080/ws", ""); len(got) != len(DefaultSTUNURLs) {
		t.Fatalf("without api key len=%d, want %d", len(got), len(DefaultSTUNURLs))
	}
}
