package web

import (
	"encoding/json"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"adslink/bridge"
	"adslink/config"
)

func TestConfigEntitiesList(t *testing.T) {
	fb := &fakeBridge{state: bridge.StateConnected}
	s, _ := testServer(t, fb)
	s.config.Entities = []config.EntityConfig{
		{Type: "switch", Name: "Pump", Var: ".bPump", VarType: "bool"},
	}

	rec := doRequest(s, "GET", "/api/v1/config/entities", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body: %s", rec.Code, rec.Body.String())
	}
	var entities []config.EntityConfig
	if err := json.Unmarshal(rec.Body.Bytes(), &entities); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(entities) != 1 || entities[0].Name != "Pump" || entities[0].Var != ".bPump" {
		t.Errorf("entities = %+v", entities)
	}
}

func TestConfigEntityAdd(t *testing.T) {
	fb := &fakeBridge{state: bridge.StateConnected}
	s, _ := testServer(t, fb)

	body := `{"type":"sensor","name":"Outside Temp","adsvar":".wTemp","adstype":"int","factor":10,"unit_of_measurement":"C"}`
	rec := doRequest(s, "POST", "/api/v1/config/entities", body, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body: %s", rec.Code, rec.Body.String())
	}

	ec := s.config.FindEntity("Outside Temp")
	if ec == nil {
		t.Fatal("entity not added to config")
	}
	if ec.Var != ".wTemp" || ec.Factor != 10 {
		t.Errorf("stored entity = %+v", *ec)
	}

	// The change must be persisted to the config file.
	data, err := os.ReadFile(s.configPath)
	if err != nil {
		t.Fatalf("config file not written: %v", err)
	}
	if !strings.Contains(string(data), "Outside Temp") {
		t.Error("saved config missing new entity")
	}

	// Same name again conflicts.
	rec = doRequest(s, "POST", "/api/v1/config/entities", body, nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("duplicate add status = %d", rec.Code)
	}
}

func TestConfigEntityAddRejectsInvalid(t *testing.T) {
	fb := &fakeBridge{state: bridge.StateConnected}
	s, _ := testServer(t, fb)

	tests := []struct {
		name string
		body string
	}{
		{"bad json", `{"type":`},
		{"missing name", `{"type":"switch","adsvar":".bPump"}`},
		{"unknown type", `{"type":"thermostat","name":"T","adsvar":".t"}`},
		{"missing adsvar", `{"type":"switch","name":"Pump"}`},
		{"select without options", `{"type":"select","name":"Mode","adsvar":".mode"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(s, "POST", "/api/v1/config/entities", tt.body, nil)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, body: %s", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestConfigEntityUpdate(t *testing.T) {
	fb := &fakeBridge{state: bridge.StateConnected}
	s, _ := testServer(t, fb)
	s.config.Entities = []config.EntityConfig{
		{Type: "switch", Name: "Pump", Var: ".bPump", VarType: "bool"},
		{Type: "switch", Name: "Fan", Var: ".bFan", VarType: "bool"},
	}

	// Name defaults to the URL parameter when omitted from the body.
	body := `{"type":"switch","adsvar":".bPump2","adstype":"bool"}`
	rec := doRequest(s, "PUT", "/api/v1/config/entities/Pump", body, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body: %s", rec.Code, rec.Body.String())
	}
	if ec := s.config.FindEntity("Pump"); ec == nil || ec.Var != ".bPump2" {
		t.Errorf("entity not updated: %+v", ec)
	}

	// Renaming onto an existing entity conflicts.
	body = `{"type":"switch","name":"Fan","adsvar":".bPump2","adstype":"bool"}`
	rec = doRequest(s, "PUT", "/api/v1/config/entities/Pump", body, nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("rename conflict status = %d", rec.Code)
	}

	rec = doRequest(s, "PUT", "/api/v1/config/entities/Nope", `{"type":"switch","adsvar":".b"}`, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing entity status = %d", rec.Code)
	}
}

func TestConfigEntityDelete(t *testing.T) {
	fb := &fakeBridge{state: bridge.StateConnected}
	s, _ := testServer(t, fb)
	s.config.Entities = []config.EntityConfig{
		{Type: "switch", Name: "Pump", Var: ".bPump", VarType: "bool"},
	}

	rec := doRequest(s, "DELETE", "/api/v1/config/entities/Pump", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body: %s", rec.Code, rec.Body.String())
	}
	if s.config.FindEntity("Pump") != nil {
		t.Error("entity still in config")
	}

	rec = doRequest(s, "DELETE", "/api/v1/config/entities/Pump", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d", rec.Code)
	}
}

func TestConfigEntitiesRequireAuth(t *testing.T) {
	fb := &fakeBridge{state: bridge.StateConnected}
	s, _ := testServer(t, fb)
	if err := s.config.SetAPIToken("secret"); err != nil {
		t.Fatal(err)
	}

	rec := doRequest(s, "POST", "/api/v1/config/entities",
		`{"type":"switch","name":"Pump","adsvar":".bPump"}`, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated add status = %d", rec.Code)
	}

	rec = doRequest(s, "POST", "/api/v1/config/entities",
		`{"type":"switch","name":"Pump","adsvar":".bPump"}`,
		map[string]string{"Authorization": "Bearer secret"})
	if rec.Code != http.StatusCreated {
		t.Errorf("authenticated add status = %d, body: %s", rec.Code, rec.Body.String())
	}
}

func TestConfigChangeEvent(t *testing.T) {
	fb := &fakeBridge{state: bridge.StateConnected}
	s, _ := testServer(t, fb)

	s.events = newEventHub()
	defer s.events.Stop()
	cleanup := s.setupEvents()
	defer cleanup()

	client := &sseClient{id: "c1", events: make(chan sseEvent, 4)}
	s.events.register <- client

	rec := doRequest(s, "POST", "/api/v1/config/entities",
		`{"type":"switch","name":"Pump","adsvar":".bPump","adstype":"bool"}`, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("add status = %d, body: %s", rec.Code, rec.Body.String())
	}

	select {
	case ev := <-client.events:
		if ev.Type != eventConfig {
			t.Errorf("event type = %q", ev.Type)
		}
		upd, ok := ev.Data.(configUpdate)
		if !ok {
			t.Fatalf("event data = %T", ev.Data)
		}
		if upd.Entities != 1 {
			t.Errorf("entity count = %d", upd.Entities)
		}
	case <-time.After(time.Second):
		t.Fatal("no config event after save")
	}
}
