package proxy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestNormalize(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"bare host", "10.0.0.1:8080", "http://10.0.0.1:8080"},
		{"http kept", "http://10.0.0.1:8080", "http://10.0.0.1:8080"},
		{"https kept", "https://10.0.0.1:8080", "https://10.0.0.1:8080"},
		{"socks4 kept", "socks4://10.0.0.1:1080", "socks4://10.0.0.1:1080"},
		{"socks5 kept", "socks5://10.0.0.1:1080", "socks5://10.0.0.1:1080"},
		{"unknown scheme prefixed", "ftp://10.0.0.1:21", "http://ftp://10.0.0.1:21"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Normalize(tt.in); got != tt.want {
				t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestAssign_Sticky(t *testing.T) {
	t.Parallel()
	p := New([]string{"1.1.1.1:80", "2.2.2.2:80", "3.3.3.3:80"})

	first := p.Assign("0xaaa")
	for i := 0; i < 5; i++ {
		if got := p.Assign("0xaaa"); got != first {
			t.Fatalf("Assign returned %q on repeat, want sticky %q", got, first)
		}
	}
}

func TestAssign_RoundRobinAcrossAccounts(t *testing.T) {
	t.Parallel()
	p := New([]string{"1.1.1.1:80", "2.2.2.2:80"})

	a := p.Assign("0xaaa")
	b := p.Assign("0xbbb")
	c := p.Assign("0xccc")

	if a != "http://1.1.1.1:80" || b != "http://2.2.2.2:80" || c != "http://1.1.1.1:80" {
		t.Errorf("round-robin order wrong: %q %q %q", a, b, c)
	}
}

func TestAssign_EmptyPool(t *testing.T) {
	t.Parallel()
	p := New(nil)
	if got := p.Assign("0xaaa"); got != "" {
		t.Errorf("Assign on empty pool = %q, want empty", got)
	}
	if got := p.Rotate("0xaaa"); got != "" {
		t.Errorf("Rotate on empty pool = %q, want empty", got)
	}
}

func TestRotate_AdvancesCursor(t *testing.T) {
	t.Parallel()
	p := New([]string{"1.1.1.1:80", "2.2.2.2:80"})

	first := p.Assign("0xaaa")
	rotated := p.Rotate("0xaaa")
	if rotated == first {
		t.Errorf("Rotate returned same proxy %q with two entries available", rotated)
	}
	if got := p.Assign("0xaaa"); got != rotated {
		t.Errorf("Assign after Rotate = %q, want %q", got, rotated)
	}
}

func TestRotate_SingleEntryStillAdvances(t *testing.T) {
	t.Parallel()
	p := New([]string{"1.1.1.1:80"})

	p.Assign("0xaaa")
	if p.cursor != 1 {
		t.Fatalf("cursor after Assign = %d, want 1", p.cursor)
	}
	got := p.Rotate("0xaaa")
	if got != "http://1.1.1.1:80" {
		t.Errorf("Rotate = %q, want the single entry back", got)
	}
	if p.cursor != 2 {
		t.Errorf("cursor after Rotate = %d, want 2 (cursor advances even when value repeats)", p.cursor)
	}
}

func TestNew_SkipsBlanksAndNormalizes(t *testing.T) {
	t.Parallel()
	p := New([]string{" 1.1.1.1:80 ", "", "socks5://2.2.2.2:1080"})
	if p.Size() != 2 {
		t.Fatalf("Size = %d, want 2", p.Size())
	}
	if got := p.Assign("0xaaa"); got != "http://1.1.1.1:80" {
		t.Errorf("first entry = %q", got)
	}
}

func TestLoadFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "proxy.txt")
	if err := os.WriteFile(path, []byte("1.1.1.1:80\n\r\n2.2.2.2:80\n"), 0644); err != nil {
		t.Fatal(err)
	}
	got, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	want := []string{"1.1.1.1:80", "2.2.2.2:80"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("LoadFile = %v, want %v", got, want)
	}
}

func TestFetch(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("1.1.1.1:80\n2.2.2.2:80\n\n"))
	}))
	defer srv.Close()

	got, err := Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("Fetch returned %d proxies, want 2", len(got))
	}
}

func TestFetch_BadStatus(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	if _, err := Fetch(context.Background(), srv.URL); err == nil {
		t.Error("Fetch on 502 should fail")
	}
}

func TestSaveFileRoundTrip(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "proxy.txt")
	proxies := []string{"1.1.1.1:80", "2.2.2.2:80"}
	if err := SaveFile(path, proxies); err != nil {
		t.Fatalf("SaveFile: %v", err)
	}
	got, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if !reflect.DeepEqual(got, proxies) {
		t.Errorf("round trip = %v, want %v", got, proxies)
	}
}
