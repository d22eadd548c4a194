// Package sandbox generates synthetic nutrition records for demo and
// development environments. Generation is reproducible for a given seed.
package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/morshed/dietics/internal/entity"
)

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

// SeedConfig controls the volume of generated data.
type SeedConfig struct {
	PatientCount          int   `json:"patientCount"`
	TestsPerPatient       int   `json:"testsPerPatient"`
	SupplementsPerPatient int   `json:"supplementsPerPatient"`
	Seed                  int64 `json:"seed"`
}

func DefaultSeedConfig() SeedConfig {
	return SeedConfig{
		PatientCount:          25,
		TestsPerPatient:       3,
		SupplementsPerPatient: 2,
	}
}

// SeedResult summarizes one seed run.
type SeedResult struct {
	Records  map[string]int `json:"records"`
	Total    int            `json:"total"`
	Seed     int64          `json:"seed"`
	Duration time.Duration  `json:"duration"`
}

// ---------------------------------------------------------------------------
// Reference data
// ---------------------------------------------------------------------------

var nutritionStates = []map[string]interface{}{
	{"name": "Well nourished", "description": "Intake meets estimated requirements"},
	{"name": "At risk", "description": "Reduced intake or recent unintentional weight loss"},
	{"name": "Moderately malnourished", "description": "Weight loss of 5 to 10 percent"},
	{"name": "Severely malnourished", "description": "Weight loss above 10 percent or muscle wasting"},
}

var activityLevels = []map[string]interface{}{
	{"name": "Bed rest", "factor": 1.1},
	{"name": "Sedentary", "factor": 1.2},
	{"name": "Lightly active", "factor": 1.375},
	{"name": "Moderately active", "factor": 1.55},
}

var dietNatures = []map[string]interface{}{
	{"name": "Regular"},
	{"name": "Soft", "description": "Easy to chew and swallow"},
	{"name": "Liquid", "description": "Clear or full liquids only"},
	{"name": "Diabetic", "description": "Controlled carbohydrate"},
	{"name": "Low sodium", "description": "Below 2 g sodium per day"},
	{"name": "High protein", "description": "1.5 g protein per kg body weight"},
}

var supplements = []map[string]interface{}{
	{"name": "Oral nutrition supplement", "dosage": "200 ml twice daily"},
	{"name": "Whey protein", "dosage": "20 g daily"},
	{"name": "Vitamin D3", "dosage": "1000 IU daily"},
	{"name": "Iron sulfate", "dosage": "200 mg daily"},
	{"name": "Zinc", "dosage": "20 mg daily"},
	{"name": "Folic acid", "dosage": "5 mg daily"},
}

type testDef struct {
	name, unit  string
	low, high   float64
	normalRange string
}

var biochemicalTests = []testDef{
	{"Hemoglobin", "g/dL", 9, 16, "12-16"},
	{"Serum albumin", "g/dL", 2.2, 5.0, "3.5-5.0"},
	{"Fasting blood glucose", "mg/dL", 65, 220, "70-100"},
	{"Serum creatinine", "mg/dL", 0.5, 3.0, "0.6-1.2"},
	{"Serum sodium", "mmol/L", 125, 148, "135-145"},
	{"Total cholesterol", "mg/dL", 120, 290, "<200"},
}

var (
	firstNamesMale   = []string{"Karim", "Rahim", "Abul", "Jamal", "Habib", "Nasir", "Tariq", "Faruk"}
	firstNamesFemale = []string{"Rina", "Mita", "Nasrin", "Shirin", "Ayesha", "Farzana", "Lipi", "Sultana"}
	lastNames        = []string{"Ahmed", "Hossain", "Rahman", "Islam", "Chowdhury", "Uddin", "Akter", "Sarkar"}
	hospitals        = []string{"City General Hospital", "Medical College Hospital", "District Hospital"}
	areas            = []string{"Mirpur", "Dhanmondi", "Uttara", "Motijheel", "Gulshan", "Mohammadpur"}
	admissionReasons = []string{"Pneumonia", "Post-operative care", "Chronic kidney disease", "Type 2 diabetes", "Stroke", "Tuberculosis"}
	healthConditions = []string{"Stable", "Fair", "Critical", "Improving"}
	mentalStatuses   = []string{"Alert", "Confused", "Drowsy", "Oriented"}
)

// ---------------------------------------------------------------------------
// DataGenerator
// ---------------------------------------------------------------------------

// DataGenerator produces synthetic record documents.
type DataGenerator struct {
	rng *rand.Rand
	day time.Time
}

// NewDataGenerator returns a generator seeded for reproducibility. Dates are
// generated relative to day.
func NewDataGenerator(seed int64, day time.Time) *DataGenerator {
	return &DataGenerator{
		rng: rand.New(rand.NewSource(seed)),
		day: day.UTC().Truncate(24 * time.Hour),
	}
}

func (g *DataGenerator) pick(pool []string) string {
	return pool[g.rng.Intn(len(pool))]
}

func (g *DataGenerator) between(low, high float64) float64 {
	return round1(low + g.rng.Float64()*(high-low))
}

func (g *DataGenerator) daysAgo(max int) string {
	return g.day.AddDate(0, 0, -g.rng.Intn(max+1)).Format(entity.DateLayout)
}

func round1(v float64) float64 { return math.Round(v*10) / 10 }

// GeneratePatient produces a patient document without relationships.
func (g *DataGenerator) GeneratePatient() map[string]interface{} {
	sex := "MALE"
	first := g.pick(firstNamesMale)
	if g.rng.Intn(2) == 0 {
		sex = "FEMALE"
		first = g.pick(firstNamesFemale)
	}

	heightCm := g.between(145, 185)
	weight := g.between(38, 105)
	meters := heightCm / 100
	bmi := round1(weight / (meters * meters))

	doc := map[string]interface{}{
		"name":                 first + " " + g.pick(lastNames),
		"address":              fmt.Sprintf("House %d, %s", 1+g.rng.Intn(120), g.pick(areas)),
		"hospital":             g.pick(hospitals),
		"admissionDate":        g.daysAgo(30),
		"reasonOfAdmission":    g.pick(admissionReasons),
		"wordNo":               fmt.Sprintf("W-%d", 1+g.rng.Intn(12)),
		"bedNo":                fmt.Sprintf("B-%02d", 1+g.rng.Intn(40)),
		"healthCondition":      g.pick(healthConditions),
		"mentalStatus":         g.pick(mentalStatuses),
		"age":                  18 + g.rng.Intn(70),
		"sex":                  sex,
		"weight":               weight,
		"weightType":           weightType(bmi),
		"height":               heightCm,
		"heightMeasureType":    "CM",
		"ibw":                  idealBodyWeight(sex, heightCm),
		"bmi":                  bmi,
		"recentWeightGainLoss": false,
	}
	if g.rng.Intn(3) == 0 {
		doc["recentWeightGainLoss"] = true
		doc["gainLossMeasure"] = g.between(-8, 5)
		doc["gainLossTimeFrame"] = float64(1 + g.rng.Intn(6))
		doc["gainLossType"] = []string{"INTENTIONAL", "UNINTENTIONAL"}[g.rng.Intn(2)]
	}
	return doc
}

// GenerateTestResult produces a patient-biochemical-test document for def.
func (g *DataGenerator) GenerateTestResult(def testDef) map[string]interface{} {
	return map[string]interface{}{
		"value":    g.between(def.low, def.high),
		"testDate": g.daysAgo(14),
	}
}

// weightType classifies a BMI with the WHO cut-offs.
func weightType(bmi float64) string {
	switch {
	case bmi < 18.5:
		return "UNDERWEIGHT"
	case bmi < 25:
		return "NORMAL"
	case bmi < 30:
		return "OVERWEIGHT"
	default:
		return "OBESE"
	}
}

// idealBodyWeight uses the Devine formula.
func idealBodyWeight(sex string, heightCm float64) float64 {
	inchesOver5ft := heightCm/2.54 - 60
	if inchesOver5ft < 0 {
		inchesOver5ft = 0
	}
	base := 45.5
	if sex == "MALE" {
		base = 50
	}
	return round1(base + 2.3*inchesOver5ft)
}

// ---------------------------------------------------------------------------
// Seeder
// ---------------------------------------------------------------------------

// RecordStore is the part of the entity service the seeder writes through.
type RecordStore interface {
	Registry() *entity.Registry
	Create(ctx context.Context, entityName string, rec *entity.Record) (*entity.Record, error)
	Delete(ctx context.Context, entityName, id string) error
}

// Seeder writes a complete synthetic data set through a RecordStore and
// remembers what it created.
type Seeder struct {
	store  RecordStore
	config SeedConfig
	now    func() time.Time

	mu      sync.RWMutex
	created map[string][]map[string]interface{}
}

func NewSeeder(store RecordStore, config SeedConfig) *Seeder {
	return &Seeder{
		store:   store,
		config:  config,
		now:     time.Now,
		created: make(map[string][]map[string]interface{}),
	}
}

// seedOrder is the creation order; referenced entities come first.
var seedOrder = []string{
	"nutrition-state", "activity-level", "diet-nature", "supplements",
	"biochemical-test", "patient", "patient-biochemical-test",
}

// Generate creates the reference data, the patients and their test results.
// A zero seed is replaced by a time-based one, reported in the result.
func (s *Seeder) Generate(ctx context.Context) (*SeedResult, error) {
	start := s.now()
	seed := s.config.Seed
	if seed == 0 {
		seed = start.UnixNano()
	}
	g := NewDataGenerator(seed, start)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.created = make(map[string][]map[string]interface{})

	ids := make(map[string][]string)
	for _, set := range []struct {
		entity string
		docs   []map[string]interface{}
	}{
		{"nutrition-state", nutritionStates},
		{"activity-level", activityLevels},
		{"diet-nature", dietNatures},
		{"supplements", supplements},
		{"biochemical-test", testDocs()},
	} {
		for _, doc := range set.docs {
			id, err := s.create(ctx, set.entity, doc)
			if err != nil {
				return nil, err
			}
			ids[set.entity] = append(ids[set.entity], id)
		}
	}

	for i := 0; i < s.config.PatientCount; i++ {
		doc := g.GeneratePatient()
		doc["nutritionState"] = g.pick(ids["nutrition-state"])
		doc["activityLevel"] = g.pick(ids["activity-level"])
		doc["dietNatures"] = []interface{}{g.pick(ids["diet-nature"])}
		var supp []interface{}
		for j := 0; j < s.config.SupplementsPerPatient; j++ {
			supp = append(supp, g.pick(ids["supplements"]))
		}
		doc["supplements"] = supp

		patientID, err := s.create(ctx, "patient", doc)
		if err != nil {
			return nil, err
		}

		for j := 0; j < s.config.TestsPerPatient; j++ {
			k := g.rng.Intn(len(biochemicalTests))
			result := g.GenerateTestResult(biochemicalTests[k])
			result["patient"] = patientID
			result["biochemicalTest"] = ids["biochemical-test"][k]
			if _, err := s.create(ctx, "patient-biochemical-test", result); err != nil {
				return nil, err
			}
		}
	}

	res := &SeedResult{Records: make(map[string]int), Seed: seed}
	for name, docs := range s.created {
		res.Records[name] = len(docs)
		res.Total += len(docs)
	}
	res.Duration = s.now().Sub(start)
	return res, nil
}

func testDocs() []map[string]interface{} {
	docs := make([]map[string]interface{}, 0, len(biochemicalTests))
	for _, t := range biochemicalTests {
		docs = append(docs, map[string]interface{}{
			"name":        t.name,
			"unit":        t.unit,
			"normalRange": t.normalRange,
		})
	}
	return docs
}

// create decodes doc with the entity schema and stores it. Callers hold mu.
func (s *Seeder) create(ctx context.Context, entityName string, doc map[string]interface{}) (string, error) {
	schema, err := s.store.Registry().Lookup(entityName)
	if err != nil {
		return "", err
	}
	rec, err := schema.Decode(doc)
	if err != nil {
		return "", fmt.Errorf("seed %s: %w", entityName, err)
	}
	saved, err := s.store.Create(ctx, entityName, rec)
	if err != nil {
		return "", fmt.Errorf("seed %s: %w", entityName, err)
	}
	s.created[entityName] = append(s.created[entityName], schema.Encode(saved, nil))
	return saved.ID, nil
}

// Created returns the documents of entityName created by the last run.
func (s *Seeder) Created(entityName string) []map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.created[entityName]
}

// Reset deletes every record created by the last run, dependents first.
func (s *Seeder) Reset(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for i := len(seedOrder) - 1; i >= 0; i-- {
		name := seedOrder[i]
		for _, doc := range s.created[name] {
			if err := s.store.Delete(ctx, name, doc["id"].(string)); err != nil {
				return n, err
			}
			n++
		}
		delete(s.created, name)
	}
	return n, nil
}

// ExportNDJSON writes the created documents of entityName as
// newline-delimited JSON.
func (s *Seeder) ExportNDJSON(w io.Writer, entityName string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	enc := json.NewEncoder(w)
	for _, doc := range s.created[entityName] {
		if err := enc.Encode(doc); err != nil {
			return fmt.Errorf("encoding %s: %w", entityName, err)
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// SeedHandler: HTTP handlers
// ---------------------------------------------------------------------------

// SeedHandler exposes seeding over HTTP. Only the latest run is tracked.
type SeedHandler struct {
	store  RecordStore
	mu     sync.Mutex
	seeder *Seeder
}

func NewSeedHandler(store RecordStore) *SeedHandler {
	return &SeedHandler{store: store}
}

// RegisterRoutes registers sandbox routes on the given Echo group.
func (h *SeedHandler) RegisterRoutes(g *echo.Group) {
	g.POST("/seed", h.handleSeed)
	g.GET("/records/:entity", h.handleListRecords)
	g.POST("/reset", h.handleReset)
	g.GET("/export/ndjson/:entity", h.handleExportNDJSON)
}

func (h *SeedHandler) handleSeed(c echo.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	cfg := DefaultSeedConfig()
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&cfg); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid seed configuration")
		}
	}
	if cfg.PatientCount < 0 || cfg.PatientCount > 1000 || cfg.TestsPerPatient < 0 || cfg.SupplementsPerPatient < 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "patientCount must be between 0 and 1000 and counts must not be negative")
	}

	h.seeder = NewSeeder(h.store, cfg)
	result, err := h.seeder.Generate(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "seeding failed").SetInternal(err)
	}
	return c.JSON(http.StatusCreated, result)
}

func (h *SeedHandler) handleListRecords(c echo.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	docs := []map[string]interface{}{}
	if h.seeder != nil {
		if created := h.seeder.Created(c.Param("entity")); created != nil {
			docs = created
		}
	}
	return c.JSON(http.StatusOK, docs)
}

func (h *SeedHandler) handleReset(c echo.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := 0
	if h.seeder != nil {
		var err error
		if n, err = h.seeder.Reset(c.Request().Context()); err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, "reset failed").SetInternal(err)
		}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"status": "reset", "deleted": n})
}

func (h *SeedHandler) handleExportNDJSON(c echo.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	c.Response().Header().Set(echo.HeaderContentType, "application/x-ndjson")
	c.Response().WriteHeader(http.StatusOK)
	if h.seeder == nil {
		return nil
	}
	return h.seeder.ExportNDJSON(c.Response().Writer, c.Param("entity"))
}
