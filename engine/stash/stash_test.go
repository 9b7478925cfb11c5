// Copyright 2025 AxonFlow
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package stash

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"actionkit/platform/engine/base"
	"actionkit/platform/shared/logger"
)

func newTestStasher(storage Storage, max int64) (*Stasher, *int64) {
	var stored int64
	s := NewStasher(storage, Options{Prefix: "stash", MaxSize: max}, logger.Discard(), func(_ string, n int64) {
		stored += n
	})
	s.newID = func() string { return "00000000-0000-0000-0000-000000000001" }
	return s, &stored
}

func TestDehydrateRoundTrip(t *testing.T) {
	d := NewDehydrator("recipes", []byte("secret"), []string{"recipe", "photo"})

	h, err := d.Dehydrate("recipe", map[string]interface{}{"id": 7.0})
	if err != nil {
		t.Fatalf("Dehydrate: %v", err)
	}
	ref, err := d.Encode(h)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !IsReference(ref) {
		t.Fatalf("not a reference: %s", ref)
	}

	got, err := d.Decode(ref)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.HydratorKey != "recipe" || got.Type != TypeMethod || got.InputData["id"] != 7.0 {
		t.Errorf("decoded %+v", got)
	}

	fh, _ := d.DehydrateFile("photo", nil)
	fref, _ := d.Encode(fh)
	decoded, err := d.Decode(fref)
	if err != nil || decoded.Type != TypeFile {
		t.Errorf("file reference decoded to %+v, %v", decoded, err)
	}
}

func TestDehydrateUnknownHydrator(t *testing.T) {
	d := NewDehydrator("recipes", []byte("secret"), []string{"recipe"})

	_, err := d.Dehydrate("missing", nil)
	var verr *base.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("want ValidationError, got %v", err)
	}
	if !strings.Contains(err.Error(), "hydrators.missing") {
		t.Errorf("error should name the key: %v", err)
	}

	if _, err := d.Encode(Handle{HydratorKey: "missing"}); !errors.As(err, &verr) {
		t.Errorf("Encode should reject unknown key, got %v", err)
	}
}

func TestDecodeRejectsForeignReferences(t *testing.T) {
	d := NewDehydrator("recipes", []byte("secret"), []string{"recipe"})
	other := NewDehydrator("recipes", []byte("other-secret"), []string{"recipe"})
	otherApp := NewDehydrator("mail", []byte("secret"), []string{"recipe"})

	h, _ := other.Dehydrate("recipe", nil)
	forged, _ := other.Encode(h)
	h2, _ := otherApp.Dehydrate("recipe", nil)
	foreign, _ := otherApp.Encode(h2)

	tests := []struct {
		name string
		ref  string
	}{
		{"not a reference", "plain string"},
		{"empty token", "hydrate||||||hydrate"},
		{"garbage token", "hydrate|||abc.def.ghi|||hydrate"},
		{"wrong secret", forged},
		{"wrong app", foreign},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := d.Decode(tt.ref); !errors.Is(err, ErrInvalidReference) {
				t.Errorf("want ErrInvalidReference, got %v", err)
			}
		})
	}
}

func TestStashMemory(t *testing.T) {
	mem := NewMemoryStorage("https://files.example.test")
	s, stored := newTestStasher(mem, 1024)

	ref, err := s.Stash(context.Background(), NewFile(strings.NewReader("hello, world"), 12, "../notes/My Report.txt", ""))
	if err != nil {
		t.Fatalf("Stash: %v", err)
	}

	key := "stash/00000000-0000-0000-0000-000000000001/My_Report.txt"
	if ref != "https://files.example.test/"+key {
		t.Errorf("ref = %s", ref)
	}
	obj, ok := mem.Get(key)
	if !ok {
		t.Fatalf("object %s not stored", key)
	}
	if string(obj.Data) != "hello, world" {
		t.Errorf("data = %q", obj.Data)
	}
	if !strings.HasPrefix(obj.ContentType, "text/plain") {
		t.Errorf("content type = %s", obj.ContentType)
	}
	if *stored != 12 {
		t.Errorf("stored bytes = %d", *stored)
	}
}

func TestStashSniffsContentType(t *testing.T) {
	mem := NewMemoryStorage("")
	s, _ := newTestStasher(mem, 1024)

	png := append([]byte("\x89PNG\r\n\x1a\n"), make([]byte, 32)...)
	if _, err := s.Stash(context.Background(), NewFile(bytes.NewReader(png), -1, "", "")); err != nil {
		t.Fatalf("Stash: %v", err)
	}
	obj, ok := mem.Get("stash/00000000-0000-0000-0000-000000000001/unnamedfile")
	if !ok {
		t.Fatal("object not stored under default filename")
	}
	if obj.ContentType != "image/png" {
		t.Errorf("content type = %s", obj.ContentType)
	}
}

func TestStashIsOneShot(t *testing.T) {
	s, _ := newTestStasher(NewMemoryStorage(""), 1024)
	f := NewFile(strings.NewReader("data"), 4, "a.txt", "text/plain")

	if _, err := s.Stash(context.Background(), f); err != nil {
		t.Fatalf("first Stash: %v", err)
	}
	if _, err := s.Stash(context.Background(), f); !errors.Is(err, ErrConsumed) {
		t.Errorf("second Stash: want ErrConsumed, got %v", err)
	}
}

func TestStashSizeLimit(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		length  int64
		wantErr bool
	}{
		{"at limit", "12345678", 8, false},
		{"known length over limit", "123456789", 9, true},
		{"unknown length over limit", "123456789", -1, true},
		{"understated length", "123456789", 3, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem := NewMemoryStorage("")
			s, stored := newTestStasher(mem, 8)
			_, err := s.Stash(context.Background(), NewFile(strings.NewReader(tt.data), tt.length, "f.bin", ""))
			if tt.wantErr {
				if !errors.Is(err, ErrTooLarge) {
					t.Fatalf("want ErrTooLarge, got %v", err)
				}
				if mem.Len() != 0 || *stored != 0 {
					t.Errorf("nothing should be stored, got %d objects", mem.Len())
				}
				return
			}
			if err != nil {
				t.Fatalf("Stash: %v", err)
			}
		})
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"report.pdf", "report.pdf"},
		{"../../etc/passwd", "passwd"},
		{`C:\Users\me\photo 1.jpg`, "photo_1.jpg"},
		{"   ", "unnamedfile"},
		{"..", "unnamedfile"},
		{"résumé final.docx", "r_sum_final.docx"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := SanitizeFilename(tt.in); got != tt.want {
				t.Errorf("SanitizeFilename(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestResolve(t *testing.T) {
	mem := NewMemoryStorage("https://files.example.test")
	s, _ := newTestStasher(mem, 8)
	d := NewDehydrator("recipes", []byte("secret"), []string{"recipe"})
	r := NewResolver(d, s, logger.Discard())

	h, _ := d.Dehydrate("recipe", map[string]interface{}{"id": "r1"})
	output := map[string]interface{}{
		"id":     "r1",
		"detail": h,
		"attachments": []interface{}{
			map[string]interface{}{"file": NewFile(strings.NewReader("way too large"), -1, "big.txt", "")},
		},
		"tags": []interface{}{"a", "b"},
	}

	got, fieldErrs, err := r.Resolve(context.Background(), output, nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	m := got.(map[string]interface{})

	ref, ok := m["detail"].(string)
	if !ok || !IsReference(ref) {
		t.Fatalf("detail = %#v", m["detail"])
	}
	back, err := d.Decode(ref)
	if err != nil || back.InputData["id"] != "r1" {
		t.Errorf("decoded %+v, %v", back, err)
	}

	att := m["attachments"].([]interface{})[0].(map[string]interface{})
	if att["file"] != nil {
		t.Errorf("failed file should be nil, got %#v", att["file"])
	}
	if len(fieldErrs) != 1 || fieldErrs[0].Path != "attachments.0.file" {
		t.Errorf("field errors = %+v", fieldErrs)
	}

	if _, isHandle := output["detail"].(Handle); !isHandle {
		t.Error("input was modified")
	}
}

func TestResolveRequiredFieldFails(t *testing.T) {
	s, _ := newTestStasher(NewMemoryStorage(""), 4)
	r := NewResolver(nil, s, logger.Discard())

	output := []interface{}{
		map[string]interface{}{"file": NewFile(strings.NewReader("too large"), -1, "x.txt", "")},
	}
	_, _, err := r.Resolve(context.Background(), output, []string{"file"})
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("want ErrTooLarge, got %v", err)
	}
	if !strings.Contains(err.Error(), "0.file") {
		t.Errorf("error should name the field: %v", err)
	}
}

func TestResolveWithoutStorage(t *testing.T) {
	r := NewResolver(nil, nil, logger.Discard())
	got, fieldErrs, err := r.Resolve(context.Background(), map[string]interface{}{
		"file": NewFile(strings.NewReader("x"), 1, "x.txt", ""),
	}, nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.(map[string]interface{})["file"] != nil || len(fieldErrs) != 1 {
		t.Errorf("got %#v, %+v", got, fieldErrs)
	}
}

func TestS3Storage(t *testing.T) {
	var (
		mu   sync.Mutex
		puts = map[string]string{}
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		puts[r.URL.Path] = string(body) + "|" + r.Header.Get("Content-Type")
		mu.Unlock()
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := s3.New(s3.Options{
		Region:       "us-east-1",
		Credentials:  credentials.NewStaticCredentialsProvider("AKIDEXAMPLE", "secret", ""),
		BaseEndpoint: aws.String(srv.URL),
		UsePathStyle: true,
	})
	s, stored := newTestStasher(NewS3StorageFromClient(client, "files"), 1024)

	ref, err := s.Stash(context.Background(), NewFile(strings.NewReader("csv,data"), 8, "export.csv", "text/csv"))
	if err != nil {
		t.Fatalf("Stash: %v", err)
	}

	mu.Lock()
	got := puts["/files/stash/00000000-0000-0000-0000-000000000001/export.csv"]
	mu.Unlock()
	if got != "csv,data|text/csv" {
		t.Errorf("uploaded %q (all puts: %v)", got, puts)
	}
	if !strings.Contains(ref, "/files/stash/") || !strings.Contains(ref, "X-Amz-Signature=") {
		t.Errorf("ref is not a presigned URL: %s", ref)
	}
	if *stored != 8 {
		t.Errorf("stored = %d", *stored)
	}
}

func TestGCSSignedURL(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	pemKey := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})

	g, err := NewGCSStorage(context.Background(), GCSConfig{
		Bucket:         "files",
		Anonymous:      true,
		GoogleAccessID: "stash@project.iam.gserviceaccount.com",
		PrivateKey:     string(pemKey),
	})
	if err != nil {
		t.Fatalf("NewGCSStorage: %v", err)
	}
	defer g.Close()

	u, err := g.URL(context.Background(), "stash/id/a.txt", time.Hour)
	if err != nil {
		t.Fatalf("URL: %v", err)
	}
	if !strings.Contains(u, "/files/stash/id/a.txt") || !strings.Contains(u, "X-Goog-Signature=") {
		t.Errorf("unexpected signed URL %s", u)
	}
	if !strings.Contains(u, "X-Goog-Expires=") {
		t.Errorf("expiry missing from %s", u)
	}
}

func TestAzureBlobSASURL(t *testing.T) {
	a, err := NewAzureBlobStorage(AzureBlobConfig{
		Container:   "files",
		AccountName: "acct",
		AccountKey:  base64.StdEncoding.EncodeToString([]byte("account-key")),
	})
	if err != nil {
		t.Fatalf("NewAzureBlobStorage: %v", err)
	}

	u, err := a.URL(context.Background(), "stash/id/a.txt", time.Hour)
	if err != nil {
		t.Fatalf("URL: %v", err)
	}
	if !strings.HasPrefix(u, "https://acct.blob.core.windows.net/files/") {
		t.Errorf("unexpected host/path: %s", u)
	}
	for _, want := range []string{"sig=", "sp=r", "sr=b"} {
		if !strings.Contains(u, want) {
			t.Errorf("%s missing from %s", want, u)
		}
	}
}

func TestAzureBlobRequiresContainer(t *testing.T) {
	if _, err := NewAzureBlobStorage(AzureBlobConfig{AccountName: "acct"}); err == nil {
		t.Error("want error without container")
	}
}
