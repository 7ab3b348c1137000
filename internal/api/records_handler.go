package api

import (
	"encoding/json"
	"io"
	"net/url"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/recbase-io/recbase/internal/auth"
	"github.com/recbase-io/recbase/internal/records"
)

func (s *Server) lookupAPI(c *fiber.Ctx) (*records.API, error) {
	return s.engine.Registry().Lookup(c.Params("api"))
}

// parseExpandParam splits the comma-separated expand list.
func parseExpandParam(c *fiber.Ctx) []string {
	raw := c.Query("expand")
	if raw == "" {
		return nil
	}
	var out []string
	for _, col := range strings.Split(raw, ",") {
		if col = strings.TrimSpace(col); col != "" {
			out = append(out, col)
		}
	}
	return out
}

// requestBody decodes the request into a JSON object (or array for bulk
// creates) plus any multipart file parts. Multipart value fields become
// body entries.
func requestBody(c *fiber.Ctx) (map[string]any, []map[string]any, []records.MultipartFile, error) {
	contentType := c.Get(fiber.HeaderContentType)

	if strings.HasPrefix(contentType, fiber.MIMEMultipartForm) {
		form, err := c.MultipartForm()
		if err != nil {
			return nil, nil, nil, records.BadRequest("invalid multipart body")
		}

		body := make(map[string]any)
		for key, vals := range form.Value {
			if len(vals) > 0 {
				body[key] = vals[len(vals)-1]
			}
		}

		var files []records.MultipartFile
		for field, headers := range form.File {
			for _, header := range headers {
				f, err := header.Open()
				if err != nil {
					return nil, nil, nil, records.BadRequest("unreadable file part %q", field)
				}
				content := make([]byte, header.Size)
				if _, err := io.ReadFull(f, content); err != nil {
					f.Close()
					return nil, nil, nil, records.BadRequest("unreadable file part %q", field)
				}
				f.Close()
				files = append(files, records.MultipartFile{
					Field:       field,
					Filename:    header.Filename,
					ContentType: header.Header.Get(fiber.HeaderContentType),
					Content:     content,
				})
			}
		}
		return body, nil, files, nil
	}

	raw := c.Body()
	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, "[") {
		var batch []map[string]any
		if err := json.Unmarshal(raw, &batch); err != nil {
			return nil, nil, nil, records.BadRequest("invalid request body")
		}
		return nil, batch, nil, nil
	}

	body := make(map[string]any)
	if len(trimmed) > 0 {
		if err := json.Unmarshal(raw, &body); err != nil {
			return nil, nil, nil, records.BadRequest("invalid request body")
		}
	}
	return body, nil, nil, nil
}

func (s *Server) handleList(c *fiber.Ctx) error {
	api, err := s.lookupAPI(c)
	if err != nil {
		return sendRecordError(c, err)
	}

	// Parse the raw query string directly: bracketed filter keys carry
	// multiple values per logical key.
	values, err := url.ParseQuery(string(c.Request().URI().QueryString()))
	if err != nil {
		return sendRecordError(c, records.BadRequest("invalid query string"))
	}

	resp, err := s.engine.ListRecords(c.Context(), api, auth.UserFromContext(c), values)
	if err != nil {
		return sendRecordError(c, err)
	}
	return c.JSON(resp)
}

func (s *Server) handleCreate(c *fiber.Ctx) error {
	api, err := s.lookupAPI(c)
	if err != nil {
		return sendRecordError(c, err)
	}
	user := auth.UserFromContext(c)

	body, batch, files, err := requestBody(c)
	if err != nil {
		return sendRecordError(c, err)
	}

	var ids []any
	if batch != nil {
		ids, err = s.engine.CreateRecords(c.Context(), api, user, batch)
	} else {
		var id any
		id, err = s.engine.CreateRecord(c.Context(), api, user, body, files)
		ids = []any{id}
	}
	if err != nil {
		return sendRecordError(c, err)
	}

	formatted := make([]string, 0, len(ids))
	for _, id := range ids {
		formatted = append(formatted, records.FormatRecordID(id))
	}
	return c.JSON(fiber.Map{"ids": formatted})
}

func (s *Server) handleRead(c *fiber.Ctx) error {
	api, err := s.lookupAPI(c)
	if err != nil {
		return sendRecordError(c, err)
	}
	recordID, err := api.ParseRecordID(c.Params("id"))
	if err != nil {
		return sendRecordError(c, err)
	}

	record, err := s.engine.ReadRecord(c.Context(), api, auth.UserFromContext(c), recordID, parseExpandParam(c))
	if err != nil {
		return sendRecordError(c, err)
	}
	return c.JSON(record)
}

func (s *Server) handleUpdate(c *fiber.Ctx) error {
	api, err := s.lookupAPI(c)
	if err != nil {
		return sendRecordError(c, err)
	}
	recordID, err := api.ParseRecordID(c.Params("id"))
	if err != nil {
		return sendRecordError(c, err)
	}

	body, batch, files, err := requestBody(c)
	if err != nil {
		return sendRecordError(c, err)
	}
	if batch != nil {
		return sendRecordError(c, records.BadRequest("update body must be a single object"))
	}

	if err := s.engine.UpdateRecord(c.Context(), api, auth.UserFromContext(c), recordID, body, files); err != nil {
		return sendRecordError(c, err)
	}
	return c.SendStatus(fiber.StatusOK)
}

func (s *Server) handleDelete(c *fiber.Ctx) error {
	api, err := s.lookupAPI(c)
	if err != nil {
		return sendRecordError(c, err)
	}
	recordID, err := api.ParseRecordID(c.Params("id"))
	if err != nil {
		return sendRecordError(c, err)
	}

	if err := s.engine.DeleteRecord(c.Context(), api, auth.UserFromContext(c), recordID); err != nil {
		return sendRecordError(c, err)
	}
	return c.SendStatus(fiber.StatusOK)
}

func (s *Server) handleSchema(c *fiber.Ctx) error {
	api, err := s.lookupAPI(c)
	if err != nil {
		return sendRecordError(c, err)
	}

	mode := records.SchemaMode(c.Query("mode", string(records.SchemaModeInsert)))
	switch mode {
	case records.SchemaModeInsert, records.SchemaModeUpdate, records.SchemaModeSelect:
	default:
		return sendRecordError(c, records.BadRequest("unknown schema mode %q", string(mode)))
	}

	doc, err := s.engine.RecordSchema(c.Context(), api, auth.UserFromContext(c), mode)
	if err != nil {
		return sendRecordError(c, err)
	}
	return c.JSON(doc)
}

func (s *Server) handleReadFile(c *fiber.Ctx) error {
	api, err := s.lookupAPI(c)
	if err != nil {
		return sendRecordError(c, err)
	}
	recordID, err := api.ParseRecordID(c.Params("id"))
	if err != nil {
		return sendRecordError(c, err)
	}

	reader, obj, meta, err := s.engine.ReadFile(c.Context(), api, auth.UserFromContext(c), recordID, c.Params("column"))
	if err != nil {
		return sendRecordError(c, err)
	}
	if meta.ContentType != "" {
		c.Set(fiber.HeaderContentType, meta.ContentType)
	}
	return c.SendStream(reader, int(obj.Size))
}

func (s *Server) handleReadFileFromList(c *fiber.Ctx) error {
	api, err := s.lookupAPI(c)
	if err != nil {
		return sendRecordError(c, err)
	}
	recordID, err := api.ParseRecordID(c.Params("id"))
	if err != nil {
		return sendRecordError(c, err)
	}
	filename, err := url.PathUnescape(c.Params("filename"))
	if err != nil {
		return sendRecordError(c, records.BadRequest("invalid filename"))
	}

	reader, obj, meta, err := s.engine.ReadFileFromList(c.Context(), api, auth.UserFromContext(c), recordID, c.Params("column"), filename)
	if err != nil {
		return sendRecordError(c, err)
	}
	if meta.ContentType != "" {
		c.Set(fiber.HeaderContentType, meta.ContentType)
	}
	return c.SendStream(reader, int(obj.Size))
}
