package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestClient(handler http.HandlerFunc) (*Client, *httptest.Server) {
	srv := httptest.NewServer(handler)
	return NewClient(srv.URL, "testtoken"), srv
}

func TestListDeployments(t *testing.T) {
	var gotPath, gotAuth string
	c, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.RequestURI()
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(`{"deployments":[
			{"id":"e5fcf300-0000-4000-8000-000000000001","owner":"scott","extra":"ignored"},
			{"id":"0f257600-0000-4000-8000-000000000002","owner":"scott","date_dissolved":"2026-01-01"}
		]}`))
	})
	defer srv.Close()

	deployments, err := c.ListDeployments(context.Background(), true)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if gotPath != "/list?with_dissolved" {
		t.Fatalf("path = %q", gotPath)
	}
	if gotAuth != "Bearer testtoken" {
		t.Fatalf("auth = %q", gotAuth)
	}
	if len(deployments) != 2 || deployments[1].Dissolved == "" {
		t.Fatalf("deployments = %+v", deployments)
	}
}

func TestListDeploymentsOmitsDissolvedQuery(t *testing.T) {
	var gotPath string
	c, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.RequestURI()
		w.Write([]byte(`{"deployments":[]}`))
	})
	defer srv.Close()

	if _, err := c.ListDeployments(context.Background(), false); err != nil {
		t.Fatalf("list: %v", err)
	}
	if gotPath != "/list" {
		t.Fatalf("path = %q", gotPath)
	}
}

func TestGetRules(t *testing.T) {
	c, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/deployment/e5fc/rules" {
			t.Errorf("path = %q", r.URL.Path)
		}
		w.Write([]byte(`{"rules":[{"id":7,"capability":"CAP_INSTANTIATE","user":"scott"}]}`))
	})
	defer srv.Close()

	rules, err := c.GetRules(context.Background(), "e5fc")
	if err != nil {
		t.Fatalf("rules: %v", err)
	}
	if len(rules) != 1 || rules[0].ID != 7 || rules[0].Capability != "CAP_INSTANTIATE" {
		t.Fatalf("rules = %+v", rules)
	}
}

func TestBadRequestYieldsTypedError(t *testing.T) {
	c, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error_message":"wrong authorization token"}`))
	})
	defer srv.Close()

	err := c.AddRule(context.Background(), "e5fc", "CAP_INSTANTIATE")
	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("expected RequestError, got %v", err)
	}
	if reqErr.Message != "wrong authorization token" {
		t.Fatalf("message = %q", reqErr.Message)
	}
}

func TestServerErrorIsTransient(t *testing.T) {
	c, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	defer srv.Close()

	err := c.DropRule(context.Background(), "e5fc", 3)
	if !errors.Is(err, ErrTransient) {
		t.Fatalf("expected ErrTransient, got %v", err)
	}
}

func TestSetLockoutMethods(t *testing.T) {
	var methods []string
	c, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		methods = append(methods, r.Method)
	})
	defer srv.Close()

	if err := c.SetLockout(context.Background(), "e5fc", true); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if err := c.SetLockout(context.Background(), "e5fc", false); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if len(methods) != 2 || methods[0] != http.MethodPost || methods[1] != http.MethodDelete {
		t.Fatalf("methods = %v", methods)
	}
}

func TestRegister(t *testing.T) {
	c, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		w.Write([]byte(`{"id":"e5fcf300-0000-4000-8000-000000000001"}`))
	})
	defer srv.Close()

	id, err := c.Register(context.Background(), true)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if id != "e5fcf300-0000-4000-8000-000000000001" {
		t.Fatalf("id = %q", id)
	}
}
