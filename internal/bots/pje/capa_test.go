package pje

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/crawjud/internal/interfaces"
	"github.com/ternarybob/crawjud/internal/models"
)

// fakeDriver records navigations and hands out a fixed session cookie
type fakeDriver struct {
	mu        sync.Mutex
	navigated []string
	failNav   bool
}

func (d *fakeDriver) Start(ctx context.Context) error   { return nil }
func (d *fakeDriver) Restart(ctx context.Context) error { return nil }
func (d *fakeDriver) Context() context.Context          { return context.Background() }
func (d *fakeDriver) Close() error                      { return nil }

func (d *fakeDriver) Navigate(ctx context.Context, url string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failNav {
		return errors.New("target closed")
	}
	d.navigated = append(d.navigated, url)
	return nil
}

func (d *fakeDriver) Cookies(ctx context.Context, urls ...string) ([]*http.Cookie, error) {
	return []*http.Cookie{{Name: "JSESSIONID", Value: "abc123", Path: "/"}}, nil
}

// courtAPI serves the PJe endpoints for a handful of case numbers
func courtAPI(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/pje-consulta-api/api/processos/dadosbasicos/", func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path[len("/pje-consulta-api/api/processos/dadosbasicos/"):] {
		case "0000100-20.2023.5.02.0001":
			fmt.Fprint(w, `[{"id": 4242, "numero": "0000100-20.2023.5.02.0001"}]`)
		case "0000200-20.2023.5.02.0001":
			fmt.Fprint(w, `{"id": "77"}`)
		case "0000300-20.2023.5.02.0001":
			fmt.Fprint(w, `[]`)
		default:
			http.NotFound(w, r)
		}
	})
	mux.HandleFunc("/pje-comum-api/api/processos/id/4242", func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie("JSESSIONID"); err != nil || c.Value != "abc123" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		assert.Equal(t, "1", r.Header.Get("X-Grau-Instancia"))
		fmt.Fprint(w, `{"id": 4242, "classeJudicial": "ATOrd", "valorDaCausa": 1500.5,
			"orgaoJulgador": {"descricao": "1ª Vara do Trabalho"}, "assuntos": ["Horas Extras", "FGTS"],
			"segredoJustica": false, "partes": [{"nome": "A"}]}`)
	})
	mux.HandleFunc("/pje-comum-api/api/processos/id/4242/assuntos", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"id": 9, "assunto": {"assuntoCompleto": "Direito do Trabalho | Horas Extras", "assuntoResumido": "Horas Extras"}}]`)
	})
	mux.HandleFunc("/pje-comum-api/api/processos/id/4242/partes", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"PASSIVO": [{"id": 2, "nome": "Empresa SA", "tipoPessoa": "j", "polo": "PASSIVO"}],
			"ATIVO": [{"id": 1, "nome": "Fulano", "documento": "123.456.789-00", "tipoPessoa": "f", "polo": "ATIVO", "principal": true}]}`)
	})
	mux.HandleFunc("/pje-comum-api/api/processos/id/77", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	mux.HandleFunc("/pje-comum-api/api/processos/id/4242/documentos/agrupados", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "true", r.URL.Query().Get("processoCompleto"))
		w.Header().Set("Content-Type", "application/pdf")
		io.WriteString(w, "%PDF-1.4 copy")
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func newCapa(t *testing.T, options map[string]string) *Capa {
	t.Helper()
	bot, err := NewCapa(models.JobConfig{PID: "PJE00001", Category: "capa", System: "pje", Input: "in.xlsx", Options: options})
	require.NoError(t, err)
	capa := bot.(*Capa)
	require.NoError(t, capa.Setup(context.Background(), &interfaces.BotEnv{Logger: arbor.NewLogger()}))
	return capa
}

type reports struct {
	mu       sync.Mutex
	messages []string
}

func (r *reports) add(kind models.EventKind, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, message)
}

func rowContext(session *interfaces.Session, rep *reports, values map[string]string) *interfaces.RowContext {
	return &interfaces.RowContext{
		Row:     models.Row{Index: 0, Values: values},
		Session: session,
		Logger:  arbor.NewLogger(),
		Report:  rep.add,
	}
}

func TestPartitionKeyUsesRegion(t *testing.T) {
	capa := newCapa(t, nil)
	region, err := capa.PartitionKey(models.Row{Values: map[string]string{"NUMERO_PROCESSO": "00001002020235150001"}})
	require.NoError(t, err)
	assert.Equal(t, "15", region)

	_, err = capa.PartitionKey(models.Row{Values: map[string]string{"NUMERO_PROCESSO": "abc"}})
	assert.Error(t, err)
	assert.Equal(t, "https://pje.trt15.jus.br", capa.regionURL("15"))
}

func TestNewCapaRejectsBadOptions(t *testing.T) {
	_, err := NewCapa(models.JobConfig{Options: map[string]string{"timeout": "soon"}})
	var cfgErr *models.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "options.timeout", cfgErr.Field)

	_, err = NewCapa(models.JobConfig{Options: map[string]string{"login": "maybe"}})
	assert.ErrorAs(t, err, &cfgErr)
}

func TestOpenSessionLogsInThroughDriver(t *testing.T) {
	server := courtAPI(t)
	capa := newCapa(t, map[string]string{"base_url": server.URL})
	driver := &fakeDriver{}

	session, err := capa.OpenSession(context.Background(), "2", driver)
	require.NoError(t, err)
	assert.Equal(t, "2", session.Partition)
	assert.Equal(t, server.URL, session.BaseURL)
	assert.Equal(t, []string{server.URL + DefaultLoginPath}, driver.navigated)

	driver.failNav = true
	_, err = capa.OpenSession(context.Background(), "3", driver)
	assert.True(t, models.IsDriverFatal(err))
}

func TestProcessRowCollectsCapa(t *testing.T) {
	server := courtAPI(t)
	capa := newCapa(t, map[string]string{"base_url": server.URL})
	session, err := capa.OpenSession(context.Background(), "2", &fakeDriver{})
	require.NoError(t, err)

	rep := &reports{}
	outcome := capa.ProcessRow(context.Background(), rowContext(session, rep, map[string]string{
		"NUMERO_PROCESSO": "00001002020235020001",
		"TRAZER_COPIA":    "s",
	}))
	require.Equal(t, models.OutcomeSuccess, outcome.Kind, outcome.Message)
	assert.Equal(t, "Informações do processo 0000100-20.2023.5.02.0001 salvas com sucesso!", outcome.Message)
	assert.Equal(t, []string{
		"Buscando processo 0000100-20.2023.5.02.0001",
		"Baixando arquivo do processo n.0000100-20.2023.5.02.0001",
	}, rep.messages)

	require.Len(t, outcome.Records, 4)
	rec := outcome.Records[0]
	assert.Equal(t, WorksheetCapa, rec.Worksheet)
	assert.Equal(t, "NUMERO_PROCESSO", rec.Fields[0].Key)
	for key, want := range map[string]string{
		"ID_PROCESSO":              "4242",
		"CLASSE_JUDICIAL":          "ATOrd",
		"VALOR_DA_CAUSA":           "1500.5",
		"ORGAO_JULGADOR_DESCRICAO": "1ª Vara do Trabalho",
		"ASSUNTOS":                 "Horas Extras, FGTS",
		"SEGREDO_JUSTICA":          "false",
	} {
		got, ok := rec.Get(key)
		assert.True(t, ok, key)
		assert.Equal(t, want, got, key)
	}
	_, ok := rec.Get("PARTES")
	assert.False(t, ok, "lists of objects are skipped")

	subject := outcome.Records[1]
	assert.Equal(t, WorksheetAssuntos, subject.Worksheet)
	got, _ := subject.Get("ASSUNTO_RESUMIDO")
	assert.Equal(t, "Horas Extras", got)
	got, _ = subject.Get("PROCESSO")
	assert.Equal(t, "0000100-20.2023.5.02.0001", got)

	// poles in name order
	active, passive := outcome.Records[2], outcome.Records[3]
	assert.Equal(t, WorksheetPartes, active.Worksheet)
	for key, want := range map[string]string{"NOME": "Fulano", "TIPO_PESSOA": "Física", "PARTE_PRINCIPAL": "true", "ID_PJE": "1"} {
		got, _ := active.Get(key)
		assert.Equal(t, want, got, key)
	}
	for key, want := range map[string]string{"NOME": "Empresa SA", "TIPO_PESSOA": "Jurídica", "PARTE_PRINCIPAL": "false"} {
		got, _ := passive.Get(key)
		assert.Equal(t, want, got, key)
	}

	require.NotNil(t, outcome.Download)
	assert.Equal(t, "COPIA INTEGRAL 0000100-20.2023.5.02.0001 PJE00001.pdf", outcome.Download.FileName)
	var buf bytes.Buffer
	require.NoError(t, outcome.Download.Fetch(context.Background(), &buf))
	assert.Equal(t, "%PDF-1.4 copy", buf.String())
}

func TestProcessRowOutcomes(t *testing.T) {
	server := courtAPI(t)
	capa := newCapa(t, map[string]string{"base_url": server.URL, "login": "false"})
	session, err := capa.OpenSession(context.Background(), "2", nil)
	require.NoError(t, err)

	tests := []struct {
		name   string
		number string
		kind   models.OutcomeKind
	}{
		{"unknown number", "0000999-20.2023.5.02.0001", models.OutcomeNotFound},
		{"empty list", "0000300-20.2023.5.02.0001", models.OutcomeNotFound},
		{"details unavailable", "0000200-20.2023.5.02.0001", models.OutcomeError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			outcome := capa.ProcessRow(context.Background(), rowContext(session, &reports{}, map[string]string{"NUMERO_PROCESSO": tt.number}))
			assert.Equal(t, tt.kind, outcome.Kind)
			assert.Nil(t, outcome.Download)
			if tt.kind == models.OutcomeNotFound {
				assert.Equal(t, "Nenhum processo encontrado", outcome.Message)
			}
		})
	}

	outcome := capa.ProcessRow(context.Background(), &interfaces.RowContext{Row: models.Row{}, Report: (&reports{}).add})
	assert.Equal(t, models.OutcomeError, outcome.Kind, "rows need a session")
}

func TestColumnName(t *testing.T) {
	assert.Equal(t, "CLASSE_JUDICIAL", columnName("classeJudicial"))
	assert.Equal(t, "ID", columnName("id"))
	assert.Equal(t, "DATA_AUTUACAO", columnName("dataAutuacao"))
	assert.Equal(t, "URL_PDF", columnName("urlPDF"))
}
