package uiaa

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePasswords map[string]string

func (f fakePasswords) CheckPassword(_ context.Context, userID, password string) (bool, error) {
	pw, ok := f[userID]
	return ok && pw == password, nil
}

func authData(t *testing.T, raw string) AuthData {
	t.Helper()
	var a AuthData
	require.NoError(t, json.Unmarshal([]byte(raw), &a))
	return a
}

func TestAuthDataJSON(t *testing.T) {
	a := authData(t, `{"type":"m.login.password","session":"s1","password":"pw","identifier":{"type":"m.id.user","user":"alice"}}`)
	assert.Equal(t, AuthPassword, a.Type)
	assert.Equal(t, "s1", a.Session)
	assert.NotContains(t, a.Fields, "type")
	assert.Contains(t, a.Fields, "password")

	data, err := json.Marshal(a)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"m.login.password","session":"s1","password":"pw","identifier":{"type":"m.id.user","user":"alice"}}`, string(data))

	var bad AuthData
	assert.Error(t, json.Unmarshal([]byte(`"string"`), &bad))
	assert.Error(t, json.Unmarshal([]byte(`{"type":7}`), &bad))
}

func TestPasswordVerifier(t *testing.T) {
	ctx := context.Background()
	v := &Password{Checker: fakePasswords{"@alice:example.org": "correct horse"}, ServerName: "example.org"}

	tests := []struct {
		name string
		raw  string
		ok   bool
	}{
		{"identifier localpart", `{"identifier":{"type":"m.id.user","user":"alice"},"password":"correct horse"}`, true},
		{"identifier full id", `{"identifier":{"type":"m.id.user","user":"@alice:example.org"},"password":"correct horse"}`, true},
		{"legacy user field", `{"user":"ALICE","password":"correct horse"}`, true},
		{"wrong password", `{"user":"alice","password":"wrong"}`, false},
		{"other user", `{"user":"bob","password":"correct horse"}`, false},
		{"foreign server", `{"user":"@alice:other.org","password":"correct horse"}`, false},
		{"missing password", `{"user":"alice"}`, false},
		{"third party identifier", `{"identifier":{"type":"m.id.thirdparty","medium":"email"},"password":"correct horse"}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Verify(ctx, alice, authData(t, tt.raw))
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			var se *StageError
			assert.ErrorAs(t, err, &se)
		})
	}
}

func TestRegistrationTokenVerifier(t *testing.T) {
	ctx := context.Background()
	v := &RegistrationToken{Tokens: []string{"letmein", "open-sesame"}}
	assert.NoError(t, v.Verify(ctx, alice, authData(t, `{"token":"open-sesame"}`)))

	var se *StageError
	assert.ErrorAs(t, v.Verify(ctx, alice, authData(t, `{"token":"letmeout"}`)), &se)
	assert.ErrorAs(t, v.Verify(ctx, alice, authData(t, `{}`)), &se)
}

func TestRecaptchaVerifier(t *testing.T) {
	ctx := context.Background()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "private", r.PostForm.Get("secret"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":` + map[bool]string{true: "true", false: "false"}[r.PostForm.Get("response") == "human"] + `}`))
	}))
	defer srv.Close()

	v := &Recaptcha{PublicKey: "public", PrivateKey: "private", VerifyURL: srv.URL, Client: srv.Client()}
	assert.Equal(t, map[string]string{"public_key": "public"}, v.Params())
	assert.NoError(t, v.Verify(ctx, alice, authData(t, `{"response":"human"}`)))

	var se *StageError
	assert.ErrorAs(t, v.Verify(ctx, alice, authData(t, `{"response":"robot"}`)), &se)
	assert.ErrorAs(t, v.Verify(ctx, alice, authData(t, `{}`)), &se)
}

func TestDummyVerifier(t *testing.T) {
	assert.NoError(t, Dummy{}.Verify(context.Background(), Anonymous("example.org"), AuthData{Type: AuthDummy}))
	assert.Equal(t, "@:example.org", Anonymous("example.org").UserID)
}
