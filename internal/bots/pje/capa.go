// Package pje implements the bots for the PJe labour court system. Rows are partitioned by
// court region (TRT); each region is authenticated once and queried over its REST API.
package pje

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/crawjud/internal/httpclient"
	"github.com/ternarybob/crawjud/internal/interfaces"
	"github.com/ternarybob/crawjud/internal/jobs/partition"
	"github.com/ternarybob/crawjud/internal/models"
)

const (
	WorksheetCapa     = "Capa"
	WorksheetAssuntos = "Assuntos"
	WorksheetPartes   = "Partes"

	DefaultBaseURL   = "https://pje.trt{region}.jus.br"
	DefaultLoginPath = "/primeirograu/login.seam"

	basicDataPath = "/pje-consulta-api/api/processos/dadosbasicos/%s"
	processPath   = "/pje-comum-api/api/processos/id/%s"
	subjectsPath  = "/pje-comum-api/api/processos/id/%s/assuntos"
	partiesPath   = "/pje-comum-api/api/processos/id/%s/partes"
	fullCopyPath  = "/pje-comum-api/api/processos/id/%s/documentos/agrupados?processoCompleto=true"

	columnNumber = "NUMERO_PROCESSO"
	columnCopy   = "TRAZER_COPIA"
)

const msgNotFound = "Nenhum processo encontrado"

// errNoProcess marks an empty or unsuccessful basic data lookup
var errNoProcess = errors.New("no process found")

// Capa collects the cover data of labour court cases
type Capa struct {
	pid       string
	column    string
	baseURL   string
	loginPath string
	login     bool
	timeout   time.Duration
	logger    arbor.ILogger
}

// NewCapa builds the bot from the job options:
//
//	base_url    court URL template, {region} is replaced (default https://pje.trt{region}.jus.br)
//	login_path  page opened in the browser to establish the session
//	login       "false" skips the browser login and queries the public API
//	timeout     per-request timeout (default 30s)
func NewCapa(jc models.JobConfig) (interfaces.Bot, error) {
	timeout := 30 * time.Second
	if raw := jc.Option("timeout", ""); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			return nil, &models.ConfigError{Field: "options.timeout", Err: fmt.Errorf("invalid timeout %q", raw)}
		}
		timeout = d
	}
	login, err := strconv.ParseBool(jc.Option("login", "true"))
	if err != nil {
		return nil, &models.ConfigError{Field: "options.login", Err: err}
	}

	column := strings.ToUpper(strings.TrimSpace(jc.PartitionKey))
	if column == "" {
		column = columnNumber
	}
	return &Capa{
		pid:       jc.PID,
		column:    column,
		baseURL:   strings.TrimRight(jc.Option("base_url", DefaultBaseURL), "/"),
		loginPath: jc.Option("login_path", DefaultLoginPath),
		login:     login,
		timeout:   timeout,
		logger:    arbor.NewLogger(),
	}, nil
}

func (c *Capa) Setup(ctx context.Context, env *interfaces.BotEnv) error {
	if env.Logger != nil {
		c.logger = env.Logger
	}
	return nil
}

// PartitionKey returns the court region of the row's case number
func (c *Capa) PartitionKey(row models.Row) (string, error) {
	return partition.Region(row.Get(c.column))
}

// regionURL renders the base URL of a court region
func (c *Capa) regionURL(region string) string {
	return strings.ReplaceAll(c.baseURL, "{region}", region)
}

// OpenSession logs into the region in the browser and moves its cookies to an HTTP client
func (c *Capa) OpenSession(ctx context.Context, region string, driver interfaces.Driver) (*interfaces.Session, error) {
	base := c.regionURL(region)
	c.logger.Info().Str("region", region).Msg("Autenticando no TRT " + region)

	var cookies []*http.Cookie
	if c.login && driver != nil {
		if err := driver.Navigate(ctx, base+c.loginPath); err != nil {
			return nil, &models.DriverFatalError{Op: "login TRT " + region, Err: err}
		}
		var err error
		cookies, err = driver.Cookies(ctx, base)
		if err != nil {
			return nil, &models.DriverFatalError{Op: "cookies TRT " + region, Err: err}
		}
		c.logger.Debug().Str("region", region).Int("cookies", len(cookies)).Msg("Session cookies harvested")
	}

	client, err := httpclient.NewSessionClient(base, cookies, c.timeout)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set("Accept", "application/json")
	header.Set("X-Grau-Instancia", "1")
	return &interfaces.Session{Partition: region, BaseURL: base, Client: client, Header: header}, nil
}

func (c *Capa) ProcessRow(ctx context.Context, rc *interfaces.RowContext) models.RowOutcome {
	if rc.Session == nil {
		return models.Failure(fmt.Errorf("row %d has no session", rc.Row.Number()))
	}
	number := partition.NormalizeCaseNumber(rc.Row.Get(c.column))
	rc.Report(models.EventKindLog, "Buscando processo "+number)

	id, err := c.lookupID(ctx, rc.Session, number)
	if errors.Is(err, errNoProcess) {
		return models.NotFound(msgNotFound)
	}
	if err != nil {
		return models.Failure(err)
	}

	var details map[string]any
	if err := c.getJSON(ctx, rc.Session, fmt.Sprintf(processPath, url.PathEscape(id)), &details); err != nil {
		return models.Failure(fmt.Errorf("process %s: %w", number, err))
	}

	record := models.NewResultRecord(WorksheetCapa, rc.Row.Number(), columnNumber, number, "ID_PROCESSO", id)
	for _, f := range flatten("", details) {
		if f.Key == "ID" || f.Key == columnNumber {
			continue
		}
		record.Set(f.Key, f.Value)
	}

	records := []models.ResultRecord{record}
	records = append(records, c.subjects(ctx, rc, id, number)...)
	records = append(records, c.parties(ctx, rc, id, number)...)

	outcome := models.Success(fmt.Sprintf("Informações do processo %s salvas com sucesso!", number), records...)
	if strings.EqualFold(rc.Row.Get(columnCopy), "S") {
		rc.Report(models.EventKindLog, "Baixando arquivo do processo n."+number)
		outcome = outcome.WithDownload(models.DownloadTask{
			FileName: fmt.Sprintf("COPIA INTEGRAL %s %s.pdf", number, c.pid),
			Fetch:    c.fetchCopy(rc.Session, id),
		})
	}
	return outcome
}

// subjects lists the case subjects. They are optional, a failed lookup only skips them.
func (c *Capa) subjects(ctx context.Context, rc *interfaces.RowContext, id, number string) []models.ResultRecord {
	var items []struct {
		ID      any `json:"id"`
		Assunto struct {
			Completo string `json:"assuntoCompleto"`
			Resumido string `json:"assuntoResumido"`
		} `json:"assunto"`
	}
	if err := c.getJSON(ctx, rc.Session, fmt.Sprintf(subjectsPath, url.PathEscape(id)), &items); err != nil {
		rc.Logger.Debug().Err(err).Str("processo", number).Msg("Assuntos unavailable")
		return nil
	}

	records := make([]models.ResultRecord, 0, len(items))
	for _, item := range items {
		records = append(records, models.NewResultRecord(WorksheetAssuntos, rc.Row.Number(),
			"ID_PJE", scalar(item.ID),
			"PROCESSO", number,
			"ASSUNTO_COMPLETO", item.Assunto.Completo,
			"ASSUNTO_RESUMIDO", item.Assunto.Resumido,
		))
	}
	return records
}

// parties lists the parties of every pole (ATIVO, PASSIVO, ...), sorted by pole name
func (c *Capa) parties(ctx context.Context, rc *interfaces.RowContext, id, number string) []models.ResultRecord {
	var poles map[string][]map[string]any
	if err := c.getJSON(ctx, rc.Session, fmt.Sprintf(partiesPath, url.PathEscape(id)), &poles); err != nil {
		rc.Logger.Debug().Err(err).Str("processo", number).Msg("Partes unavailable")
		return nil
	}

	names := make([]string, 0, len(poles))
	for name := range poles {
		names = append(names, name)
	}
	sort.Strings(names)

	var records []models.ResultRecord
	for _, name := range names {
		for _, party := range poles[name] {
			person := "Física"
			if kind := scalar(party["tipoPessoa"]); kind != "" && !strings.EqualFold(kind, "f") {
				person = "Jurídica"
			}
			principal := scalar(party["principal"])
			if principal == "" {
				principal = "false"
			}
			records = append(records, models.NewResultRecord(WorksheetPartes, rc.Row.Number(),
				"ID_PJE", scalar(party["id"]),
				"PROCESSO", number,
				"NOME", scalar(party["nome"]),
				"DOCUMENTO", scalar(party["documento"]),
				"TIPO_DOCUMENTO", scalar(party["tipoDocumento"]),
				"TIPO_PESSOA", person,
				"POLO", scalar(party["polo"]),
				"PARTE_PRINCIPAL", principal,
			))
		}
	}
	return records
}

// lookupID resolves the internal id of a case number. The endpoint answers with an
// object or a list of objects; the first one wins.
func (c *Capa) lookupID(ctx context.Context, session *interfaces.Session, number string) (string, error) {
	var raw json.RawMessage
	err := c.getJSON(ctx, session, fmt.Sprintf(basicDataPath, url.PathEscape(number)), &raw)
	var status *statusError
	if errors.As(err, &status) {
		return "", errNoProcess
	}
	if err != nil {
		return "", fmt.Errorf("basic data %s: %w", number, err)
	}

	var entry map[string]any
	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, "[") {
		var list []map[string]any
		if err := json.Unmarshal(raw, &list); err != nil {
			return "", fmt.Errorf("basic data %s: %w", number, err)
		}
		if len(list) == 0 {
			return "", errNoProcess
		}
		entry = list[0]
	} else if err := json.Unmarshal(raw, &entry); err != nil {
		return "", fmt.Errorf("basic data %s: %w", number, err)
	}

	id := scalar(entry["id"])
	if id == "" {
		return "", errNoProcess
	}
	return id, nil
}

func (c *Capa) fetchCopy(session *interfaces.Session, id string) func(ctx context.Context, w io.Writer) error {
	return func(ctx context.Context, w io.Writer) error {
		resp, err := c.do(ctx, session, fmt.Sprintf(fullCopyPath, url.PathEscape(id)), "application/pdf")
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		_, err = io.Copy(w, resp.Body)
		return err
	}
}

// statusError is a non-200 answer from the court API
type statusError struct {
	Path   string
	Status int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("GET %s: status %d", e.Path, e.Status)
}

func (c *Capa) do(ctx context.Context, session *interfaces.Session, path, accept string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, session.BaseURL+path, nil)
	if err != nil {
		return nil, err
	}
	for k, v := range session.Header {
		req.Header[k] = v
	}
	req.Header.Set("Accept", accept)

	resp, err := session.Client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &statusError{Path: path, Status: resp.StatusCode}
	}
	return resp, nil
}

func (c *Capa) getJSON(ctx context.Context, session *interfaces.Session, path string, out any) error {
	resp, err := c.do(ctx, session, path, "application/json")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// flatten turns a JSON object into columns sorted by name. Nested objects are prefixed
// with their parent key, lists of scalars are joined and lists of objects are skipped.
func flatten(prefix string, obj map[string]any) []models.Field {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var fields []models.Field
	for _, k := range keys {
		name := columnName(k)
		if prefix != "" {
			name = prefix + "_" + name
		}
		switch v := obj[k].(type) {
		case map[string]any:
			fields = append(fields, flatten(name, v)...)
		case []any:
			parts := make([]string, 0, len(v))
			for _, item := range v {
				if s := scalar(item); s != "" {
					parts = append(parts, s)
				}
			}
			if len(parts) > 0 {
				fields = append(fields, models.Field{Key: name, Value: strings.Join(parts, ", ")})
			}
		default:
			fields = append(fields, models.Field{Key: name, Value: scalar(v)})
		}
	}
	return fields
}

// scalar formats a JSON scalar, objects and lists render empty
func scalar(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	}
	return ""
}

// columnName converts camelCase API keys to upper snake case ("classeJudicial" -> "CLASSE_JUDICIAL")
func columnName(key string) string {
	var b strings.Builder
	runes := []rune(key)
	for i, r := range runes {
		if unicode.IsUpper(r) && i > 0 && !unicode.IsUpper(runes[i-1]) && runes[i-1] != '_' {
			b.WriteByte('_')
		}
		b.WriteRune(unicode.ToUpper(r))
	}
	return b.String()
}
