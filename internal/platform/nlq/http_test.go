package nlq

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestHTTPResolverSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/search" {
			t.Errorf("path = %s, want /search", r.URL.Path)
		}
		var req struct {
			Term       string `json:"term"`
			MaxResults int    `json:"max_results"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Term != "heart failure" || req.MaxResults != 10 {
			t.Errorf("request = %+v", req)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"results": []Code{
				{Code: "I50.9", Vocabulary: "ICD-10-CM", Description: "Heart failure, unspecified", Score: 0.97},
				{Code: "428.0", Vocabulary: "ICD-9-CM", Description: "Congestive heart failure", Score: 0.91},
			},
		})
	}))
	defer srv.Close()

	r := NewHTTPResolver(srv.URL, time.Second, zerolog.Nop())
	codes, err := r.Search(context.Background(), "heart failure", 10)
	if err != nil {
		t.Fatalf("Search() error: %v", err)
	}
	if len(codes) != 2 || codes[0].Code != "I50.9" {
		t.Errorf("codes = %+v", codes)
	}
}

func TestHTTPResolverWrapsFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "vector index rebuilding", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	r := NewHTTPResolver(srv.URL, time.Second, zerolog.Nop())
	_, err := r.Search(context.Background(), "diabetes", 5)
	if !errors.Is(err, ErrResolverUnavailable) {
		t.Errorf("err = %v, want ErrResolverUnavailable", err)
	}
}

func TestHTTPGeneratorGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Criteria Criteria `json:"criteria"`
			Purpose  Purpose  `json:"purpose"`
			Handle   string   `json:"conversation_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Purpose != PurposeCounts {
			t.Errorf("purpose = %s", req.Purpose)
		}
		if req.Handle != "conv-41" {
			t.Errorf("handle = %q, want conv-41", req.Handle)
		}
		json.NewEncoder(w).Encode(Generation{SQL: "SELECT COUNT(*) FROM x", Handle: "conv-42"})
	}))
	defer srv.Close()

	g := NewHTTPGenerator(srv.URL, time.Second, zerolog.Nop())
	gen, err := g.Generate(context.Background(), Criteria{Text: "hf patients"}, PurposeCounts, "conv-41")
	if err != nil {
		t.Fatalf("Generate() error: %v", err)
	}
	if gen.Handle != "conv-42" {
		t.Errorf("returned handle = %q, want conv-42", gen.Handle)
	}
}

func TestHTTPGeneratorRejectsEmptySQL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Generation{})
	}))
	defer srv.Close()

	g := NewHTTPGenerator(srv.URL, time.Second, zerolog.Nop())
	if _, err := g.Generate(context.Background(), Criteria{}, PurposeRecords, ""); !errors.Is(err, ErrGeneration) {
		t.Errorf("err = %v, want ErrGeneration", err)
	}
}

func TestHTTPGeneratorDimensionCarriesProblems(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req DimensionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if len(req.Problems) != 1 || req.Problems[0] != "required output column gender is not produced" {
			t.Errorf("problems = %v", req.Problems)
		}
		json.NewEncoder(w).Encode(map[string]string{"sql": "SELECT gender, COUNT(*) FROM d GROUP BY gender"})
	}))
	defer srv.Close()

	g := NewHTTPGenerator(srv.URL, time.Second, zerolog.Nop())
	sql, err := g.GenerateDimension(context.Background(), DimensionRequest{
		Dimension:     "gender",
		OutputColumns: []string{"gender", "patient_count"},
		CohortTable:   "cohort_ab12_1700000000",
		Problems:      []string{"required output column gender is not produced"},
	})
	if err != nil {
		t.Fatalf("GenerateDimension() error: %v", err)
	}
	if sql == "" {
		t.Error("empty sql returned")
	}
}

func TestHTTPIntentExtractorExtract(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Intent{
			Concepts:     []Concept{{Text: "heart failure", Span: "patients with heart failure"}},
			Demographics: map[string]string{"age_min": "50", "age_max": "70"},
		})
	}))
	defer srv.Close()

	e := NewHTTPIntentExtractor(srv.URL, time.Second, zerolog.Nop())
	intent, err := e.Extract(context.Background(), "patients with heart failure aged 50 to 70")
	if err != nil {
		t.Fatalf("Extract() error: %v", err)
	}
	if len(intent.Concepts) != 1 || intent.Concepts[0].Text != "heart failure" {
		t.Errorf("concepts = %+v", intent.Concepts)
	}
	if intent.Demographics["age_min"] != "50" {
		t.Errorf("demographics = %v", intent.Demographics)
	}
}
