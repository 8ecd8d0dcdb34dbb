// Package sheets reads entity sheets through the Google Sheets API.
package sheets

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	gsheets "google.golang.org/api/sheets/v4"
)

// Client implements core.SheetReader for one spreadsheet.
type Client struct {
	values        *gsheets.SpreadsheetsValuesService
	spreadsheetID string
}

// NewClient authenticates with a service account key file, or with
// application default credentials when credentialsFile is empty.
func NewClient(ctx context.Context, spreadsheetID, credentialsFile string) (*Client, error) {
	if spreadsheetID == "" {
		return nil, fmt.Errorf("spreadsheet id is required")
	}

	var creds *google.Credentials
	if credentialsFile != "" {
		data, err := os.ReadFile(credentialsFile)
		if err != nil {
			return nil, fmt.Errorf("read credentials: %w", err)
		}
		creds, err = google.CredentialsFromJSON(ctx, data, gsheets.SpreadsheetsReadonlyScope)
		if err != nil {
			return nil, fmt.Errorf("parse credentials: %w", err)
		}
	} else {
		var err error
		creds, err = google.FindDefaultCredentials(ctx, gsheets.SpreadsheetsReadonlyScope)
		if err != nil {
			return nil, fmt.Errorf("find default credentials: %w", err)
		}
	}

	svc, err := gsheets.NewService(ctx, option.WithCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("create sheets service: %w", err)
	}
	return &Client{values: svc.Spreadsheets.Values, spreadsheetID: spreadsheetID}, nil
}

// ReadRows returns the formatted values of sheetRange. Errors are returned
// unwrapped from the API client so *googleapi.Error reaches classification.
func (c *Client) ReadRows(ctx context.Context, sheetRange string) ([][]string, error) {
	resp, err := c.values.Get(c.spreadsheetID, sheetRange).
		ValueRenderOption("FORMATTED_VALUE").
		MajorDimension("ROWS").
		Context(ctx).
		Do()
	if err != nil {
		return nil, err
	}
	return toStrings(resp.Values), nil
}

// toStrings converts API cell values to strings. FORMATTED_VALUE returns
// strings, but numbers and booleans are handled for other render options.
func toStrings(values [][]interface{}) [][]string {
	rows := make([][]string, len(values))
	for i, row := range values {
		cells := make([]string, len(row))
		for j, v := range row {
			switch val := v.(type) {
			case nil:
			case string:
				cells[j] = val
			case float64:
				cells[j] = strconv.FormatFloat(val, 'f', -1, 64)
			case bool:
				cells[j] = strconv.FormatBool(val)
			default:
				cells[j] = fmt.Sprint(val)
			}
		}
		rows[i] = cells
	}
	return rows
}
