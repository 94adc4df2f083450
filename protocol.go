package clangdconn

// DocumentURI is a file:// URI as used throughout LSP.
type DocumentURI string

// Position is a zero-based line/character (UTF-16 code units) offset.
type Position struct {
	Line      int `json:"line"`
	Character int `json:"character"`
}

// Range is a start/end Position pair.
type Range struct {
	Start Position `json:"start"`
	End   Position `json:"end"`
}

// TextDocumentIdentifier identifies a document by URI.
type TextDocumentIdentifier struct {
	URI DocumentURI `json:"uri"`
}

// VersionedTextDocumentIdentifier adds a version to an identifier.
type VersionedTextDocumentIdentifier struct {
	TextDocumentIdentifier
	Version int `json:"version"`
}

// TextDocumentItem transfers a whole document from client to server.
type TextDocumentItem struct {
	URI        DocumentURI `json:"uri"`
	LanguageID string      `json:"languageId"`
	Version    int         `json:"version"`
	Text       string      `json:"text"`
}

// TextEdit is a textual edit applicable to a document.
type TextEdit struct {
	Range   Range  `json:"range"`
	NewText string `json:"newText"`
}

// TextDocumentContentChangeEvent is one entry of a didChange
// notification. This module always sends whole-document replacement
// (Range nil), matching TextDocumentSyncKindFull.
type TextDocumentContentChangeEvent struct {
	Range       *Range `json:"range,omitempty"`
	RangeLength int    `json:"rangeLength,omitempty"`
	Text        string `json:"text"`
}

// WorkspaceFolder is a single workspace root.
type WorkspaceFolder struct {
	URI  DocumentURI `json:"uri"`
	Name string      `json:"name"`
}

// WorkspaceEdit is changes to resources managed in the workspace, as
// sent by the server in a workspace/applyEdit request.
type WorkspaceEdit struct {
	Changes         map[DocumentURI][]TextEdit `json:"changes,omitempty"`
	DocumentChanges []any                      `json:"documentChanges,omitempty"`
}

// --- Initialize ---

// InitializeParams are the parameters of the initialize request.
type InitializeParams struct {
	ProcessID             int                `json:"processId"`
	RootURI               DocumentURI        `json:"rootUri,omitempty"`
	RootPath              string             `json:"rootPath,omitempty"`
	Capabilities          ClientCapabilities `json:"capabilities"`
	InitializationOptions any                `json:"initializationOptions,omitempty"`
	WorkspaceFolders      []WorkspaceFolder  `json:"workspaceFolders,omitempty"`
}

// InitializeResult is the result of the initialize request.
type InitializeResult struct {
	Capabilities ServerCapabilities    `json:"capabilities"`
	ServerInfo   *InitializeServerInfo `json:"serverInfo,omitempty"`
}

// InitializeServerInfo names the server that answered initialize.
type InitializeServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// ClientCapabilities is narrowed to the workspace-level capabilities
// this connection engine actually exercises (applyEdit, configuration,
// watched files); feature-specific capability trees (completion,
// hover, ...) belong to the out-of-scope feature-command layer.
type ClientCapabilities struct {
	Workspace *WorkspaceClientCapabilities `json:"workspace,omitempty"`
}

// WorkspaceClientCapabilities declare workspace-level client support.
type WorkspaceClientCapabilities struct {
	ApplyEdit              bool                                `json:"applyEdit,omitempty"`
	DidChangeConfiguration *DidChangeConfigurationCapabilities `json:"didChangeConfiguration,omitempty"`
	DidChangeWatchedFiles  *DidChangeWatchedFilesCapabilities  `json:"didChangeWatchedFiles,omitempty"`
	WorkspaceFolders       bool                                `json:"workspaceFolders,omitempty"`
	Configuration          bool                                `json:"configuration,omitempty"`
}

type DidChangeConfigurationCapabilities struct {
	DynamicRegistration bool `json:"dynamicRegistration,omitempty"`
}

type DidChangeWatchedFilesCapabilities struct {
	DynamicRegistration bool `json:"dynamicRegistration,omitempty"`
}

// ServerCapabilities is narrowed to the document sync kind and
// workspace-folder support; other capability fields are ignored when
// decoding, since this library doesn't act on feature-provider
// capabilities.
type ServerCapabilities struct {
	TextDocumentSync any                          `json:"textDocumentSync,omitempty"`
	Workspace        *ServerWorkspaceCapabilities `json:"workspace,omitempty"`
}

type ServerWorkspaceCapabilities struct {
	WorkspaceFolders *WorkspaceFoldersServerCapabilities `json:"workspaceFolders,omitempty"`
}

type WorkspaceFoldersServerCapabilities struct {
	Supported           bool `json:"supported,omitempty"`
	ChangeNotifications any  `json:"changeNotifications,omitempty"`
}

// TextDocumentSyncKind controls how document contents are synced.
type TextDocumentSyncKind int

const (
	TextDocumentSyncKindNone        TextDocumentSyncKind = 0
	TextDocumentSyncKindFull        TextDocumentSyncKind = 1
	TextDocumentSyncKindIncremental TextDocumentSyncKind = 2
)

// GetTextDocumentSyncKind extracts the sync kind from a
// ServerCapabilities value, which may encode it as a bare number or an
// object with a "change" field.
func GetTextDocumentSyncKind(caps ServerCapabilities) TextDocumentSyncKind {
	switch v := caps.TextDocumentSync.(type) {
	case float64:
		return TextDocumentSyncKind(int(v))
	case int:
		return TextDocumentSyncKind(v)
	case map[string]any:
		if change, ok := v["change"].(float64); ok {
			return TextDocumentSyncKind(int(change))
		}
		return TextDocumentSyncKindFull
	default:
		return TextDocumentSyncKindNone
	}
}

// --- Document sync notifications ---

type DidOpenTextDocumentParams struct {
	TextDocument TextDocumentItem `json:"textDocument"`
}

type DidChangeTextDocumentParams struct {
	TextDocument   VersionedTextDocumentIdentifier  `json:"textDocument"`
	ContentChanges []TextDocumentContentChangeEvent `json:"contentChanges"`
}

type DidCloseTextDocumentParams struct {
	TextDocument TextDocumentIdentifier `json:"textDocument"`
}

type DidSaveTextDocumentParams struct {
	TextDocument TextDocumentIdentifier `json:"textDocument"`
	Text         string                 `json:"text,omitempty"`
}

// --- Server-to-client requests (spec.md §4.D / §6) ---

// ApplyWorkspaceEditParams are the parameters of workspace/applyEdit.
type ApplyWorkspaceEditParams struct {
	Label string        `json:"label,omitempty"`
	Edit  WorkspaceEdit `json:"edit"`
}

// ApplyWorkspaceEditResult is the response to workspace/applyEdit.
type ApplyWorkspaceEditResult struct {
	Applied       bool   `json:"applied"`
	FailureReason string `json:"failureReason,omitempty"`
}

// ConfigurationParams are the parameters of workspace/configuration.
type ConfigurationParams struct {
	Items []ConfigurationItem `json:"items"`
}

// ConfigurationItem names one configuration section to resolve.
type ConfigurationItem struct {
	ScopeURI DocumentURI `json:"scopeUri,omitempty"`
	Section  string      `json:"section,omitempty"`
}

// Registration is one entry of client/registerCapability.
type Registration struct {
	ID              string `json:"id"`
	Method          string `json:"method"`
	RegisterOptions any    `json:"registerOptions,omitempty"`
}

// RegistrationParams are the parameters of client/registerCapability.
type RegistrationParams struct {
	Registrations []Registration `json:"registrations"`
}

// Unregistration is one entry of client/unregisterCapability.
type Unregistration struct {
	ID     string `json:"id"`
	Method string `json:"method"`
}

// UnregistrationParams are the parameters of client/unregisterCapability.
type UnregistrationParams struct {
	Unregisterations []Unregistration `json:"unregisterations"`
}

// FileSystemWatcher is one entry of a didChangeWatchedFiles
// registration's registerOptions.
type FileSystemWatcher struct {
	GlobPattern string `json:"globPattern"`
	Kind        int    `json:"kind,omitempty"`
}

// DidChangeWatchedFilesRegistrationOptions is the registerOptions body
// for workspace/didChangeWatchedFiles registrations.
type DidChangeWatchedFilesRegistrationOptions struct {
	Watchers []FileSystemWatcher `json:"watchers"`
}

// FileChangeType values for FileEventLSP.Type.
const (
	FileChangeCreated = 1
	FileChangeChanged = 2
	FileChangeDeleted = 3
)

// FileEventLSP is one entry of a workspace/didChangeWatchedFiles
// notification sent client to server.
type FileEventLSP struct {
	URI  DocumentURI `json:"uri"`
	Type int         `json:"type"`
}

// DidChangeWatchedFilesParams are the parameters of
// workspace/didChangeWatchedFiles.
type DidChangeWatchedFilesParams struct {
	Changes []FileEventLSP `json:"changes"`
}

// DefaultClientCapabilities returns the capability set this library
// advertises during initialize.
func DefaultClientCapabilities() ClientCapabilities {
	return ClientCapabilities{
		Workspace: &WorkspaceClientCapabilities{
			ApplyEdit:        true,
			WorkspaceFolders: true,
			Configuration:    true,
			DidChangeConfiguration: &DidChangeConfigurationCapabilities{
				DynamicRegistration: true,
			},
			DidChangeWatchedFiles: &DidChangeWatchedFilesCapabilities{
				DynamicRegistration: true,
			},
		},
	}
}
