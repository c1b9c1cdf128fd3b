package mqtt

import "testing"

func TestRegistryFromPayload(t *testing.T) {
	r := NewServerRegistry(Topics{Prefix: "lab"})
	p, err := ParseRegistration(registrationJSON("rack-a", 3, "analog"))
	if err != nil {
		t.Fatal(err)
	}

	srv := r.RegisterFromPayload(p)
	if srv.CommandTopic != "lab/servers/rack-a/cmd" {
		t.Errorf("CommandTopic = %q", srv.CommandTopic)
	}
	if srv.ReplyTopic != "lab/servers/rack-a/reply" {
		t.Errorf("ReplyTopic = %q", srv.ReplyTopic)
	}
	if got := r.CommandTopic("rack-a"); got != srv.CommandTopic {
		t.Errorf("CommandTopic() = %q", got)
	}
	if r.CommandTopic("missing") != "" {
		t.Error("unknown server should have no topic")
	}
}

func TestRegistryGetReturnsCopy(t *testing.T) {
	r := NewServerRegistry(Topics{Prefix: "lab"})
	r.Register(&RegisteredServer{ID: "rack-a", Capabilities: []string{"analog"}})

	got := r.Get("rack-a")
	got.Capabilities[0] = "mutated"
	got.Name = "mutated"

	again := r.Get("rack-a")
	if again.Capabilities[0] != "analog" || again.Name != "" {
		t.Errorf("registry was mutated through a copy: %+v", again)
	}
	if r.Get("missing") != nil {
		t.Error("Get of unknown server should be nil")
	}
}

func TestRegistryAllSortedAndClear(t *testing.T) {
	r := NewServerRegistry(Topics{Prefix: "lab"})
	for _, id := range []string{"rack-c", "rack-a", "rack-b"} {
		r.Register(&RegisteredServer{ID: id})
	}

	all := r.All()
	if len(all) != 3 || all[0].ID != "rack-a" || all[2].ID != "rack-c" {
		t.Fatalf("All() order wrong: %v", all)
	}

	r.Unregister("rack-b")
	if r.Exists("rack-b") {
		t.Error("rack-b should be gone")
	}
	r.Clear()
	if len(r.All()) != 0 {
		t.Error("Clear left servers behind")
	}
}

func TestTopicsServerID(t *testing.T) {
	topics := Topics{Prefix: "lab"}
	tests := []struct {
		topic string
		want  string
		ok    bool
	}{
		{"lab/heartbeat/rack-a", "rack-a", true},
		{"lab/servers/rack-b/reply", "rack-b", true},
		{"lab/register", "", false},
		{"other/heartbeat/rack-a", "", false},
		{"lab/heartbeat/", "", false},
	}
	for _, tt := range tests {
		got, ok := topics.ServerID(tt.topic)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ServerID(%q) = %q, %v; want %q, %v", tt.topic, got, ok, tt.want, tt.ok)
		}
	}
}
