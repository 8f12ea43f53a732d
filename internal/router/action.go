package router

import (
	"errors"
	"fmt"
)

// Token is the wire and key-binding name of an action.
type Token string

const (
	TokenNewSession      Token = "new-session"
	TokenCloseSession    Token = "close-session"
	TokenNextSession     Token = "next-session"
	TokenPreviousSession Token = "previous-session"
	TokenSplitSession    Token = "split-session"
	TokenScrollUp        Token = "scroll-up"
	TokenScrollDown      Token = "scroll-down"
	TokenScrollTop       Token = "scroll-top"
	TokenScrollBottom    Token = "scroll-bottom"
	TokenFocus           Token = "focus"
	TokenVoiceInput      Token = "voice-input"
	TokenClear           Token = "clear"
	TokenExecute         Token = "execute"
	TokenCopyAll         Token = "copy-all"
	TokenCopySelection   Token = "copy-selection"
	TokenSearch          Token = "search"
	TokenSearchNext      Token = "search-next"
	TokenSearchPrevious  Token = "search-previous"
)

// Tokens lists every action token in taxonomy order.
var Tokens = []Token{
	TokenNewSession, TokenCloseSession, TokenNextSession, TokenPreviousSession, TokenSplitSession,
	TokenScrollUp, TokenScrollDown, TokenScrollTop, TokenScrollBottom,
	TokenFocus, TokenVoiceInput, TokenClear, TokenExecute,
	TokenCopyAll, TokenCopySelection,
	TokenSearch, TokenSearchNext, TokenSearchPrevious,
}

// ErrUnknownAction is returned for tokens outside the taxonomy.
var ErrUnknownAction = errors.New("unknown action")

// Action is the closed set of things a user can ask for. Only types in this
// package implement it.
type Action interface {
	Token() Token
	// Targeted reports whether the action needs an active session.
	Targeted() bool
	sealed()
}

type (
	NewSession      struct{ Name string }
	CloseSession    struct{}
	NextSession     struct{}
	PreviousSession struct{}
	SplitSession    struct{}
	ScrollUp        struct{}
	ScrollDown      struct{}
	ScrollTop       struct{}
	ScrollBottom    struct{}
	Focus           struct{}
	VoiceInput      struct{}
	Clear           struct{}
	Execute         struct{ Command string }
	CopyAll         struct{}
	CopySelection   struct{}
	Search          struct{ Query string }
	SearchNext      struct{}
	SearchPrevious  struct{}
)

func (NewSession) Token() Token      { return TokenNewSession }
func (CloseSession) Token() Token    { return TokenCloseSession }
func (NextSession) Token() Token     { return TokenNextSession }
func (PreviousSession) Token() Token { return TokenPreviousSession }
func (SplitSession) Token() Token    { return TokenSplitSession }
func (ScrollUp) Token() Token        { return TokenScrollUp }
func (ScrollDown) Token() Token      { return TokenScrollDown }
func (ScrollTop) Token() Token       { return TokenScrollTop }
func (ScrollBottom) Token() Token    { return TokenScrollBottom }
func (Focus) Token() Token           { return TokenFocus }
func (VoiceInput) Token() Token      { return TokenVoiceInput }
func (Clear) Token() Token           { return TokenClear }
func (Execute) Token() Token         { return TokenExecute }
func (CopyAll) Token() Token         { return TokenCopyAll }
func (CopySelection) Token() Token   { return TokenCopySelection }
func (Search) Token() Token          { return TokenSearch }
func (SearchNext) Token() Token      { return TokenSearchNext }
func (SearchPrevious) Token() Token  { return TokenSearchPrevious }

func (NewSession) Targeted() bool      { return false }
func (CloseSession) Targeted() bool    { return true }
func (NextSession) Targeted() bool     { return false }
func (PreviousSession) Targeted() bool { return false }
func (SplitSession) Targeted() bool    { return false }
func (ScrollUp) Targeted() bool        { return true }
func (ScrollDown) Targeted() bool      { return true }
func (ScrollTop) Targeted() bool       { return true }
func (ScrollBottom) Targeted() bool    { return true }
func (Focus) Targeted() bool           { return true }
func (VoiceInput) Targeted() bool      { return false }
func (Clear) Targeted() bool           { return true }
func (Execute) Targeted() bool         { return true }
func (CopyAll) Targeted() bool         { return true }
func (CopySelection) Targeted() bool   { return true }
func (Search) Targeted() bool          { return true }
func (SearchNext) Targeted() bool      { return true }
func (SearchPrevious) Targeted() bool  { return true }

func (NewSession) sealed()      {}
func (CloseSession) sealed()    {}
func (NextSession) sealed()     {}
func (PreviousSession) sealed() {}
func (SplitSession) sealed()    {}
func (ScrollUp) sealed()        {}
func (ScrollDown) sealed()      {}
func (ScrollTop) sealed()       {}
func (ScrollBottom) sealed()    {}
func (Focus) sealed()           {}
func (VoiceInput) sealed()      {}
func (Clear) sealed()           {}
func (Execute) sealed()         {}
func (CopyAll) sealed()         {}
func (CopySelection) sealed()   {}
func (Search) sealed()          {}
func (SearchNext) sealed()      {}
func (SearchPrevious) sealed()  {}

// ParseAction builds an action from a token and an optional parameter. The
// parameter is only meaningful for new-session, execute and search.
func ParseAction(token Token, param string) (Action, error) {
	switch token {
	case TokenNewSession:
		return NewSession{Name: param}, nil
	case TokenCloseSession:
		return CloseSession{}, nil
	case TokenNextSession:
		return NextSession{}, nil
	case TokenPreviousSession:
		return PreviousSession{}, nil
	case TokenSplitSession:
		return SplitSession{}, nil
	case TokenScrollUp:
		return ScrollUp{}, nil
	case TokenScrollDown:
		return ScrollDown{}, nil
	case TokenScrollTop:
		return ScrollTop{}, nil
	case TokenScrollBottom:
		return ScrollBottom{}, nil
	case TokenFocus:
		return Focus{}, nil
	case TokenVoiceInput:
		return VoiceInput{}, nil
	case TokenClear:
		return Clear{}, nil
	case TokenExecute:
		return Execute{Command: param}, nil
	case TokenCopyAll:
		return CopyAll{}, nil
	case TokenCopySelection:
		return CopySelection{}, nil
	case TokenSearch:
		return Search{Query: param}, nil
	case TokenSearchNext:
		return SearchNext{}, nil
	case TokenSearchPrevious:
		return SearchPrevious{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, token)
	}
}

// takesParameter reports whether a grammar rule for token may carry an
// argument.
func takesParameter(token Token) bool {
	switch token {
	case TokenNewSession, TokenExecute, TokenSearch:
		return true
	}
	return false
}

// requiresParameter reports whether token is meaningless without one.
func requiresParameter(token Token) bool {
	return token == TokenExecute || token == TokenSearch
}

// parameterOf returns the argument carried by a, if any.
func parameterOf(a Action) string {
	switch a := a.(type) {
	case NewSession:
		return a.Name
	case Execute:
		return a.Command
	case Search:
		return a.Query
	}
	return ""
}
