package handlers

import (
	"html/template"
	"net/http"
)

const apiDocsHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Arbiter API Documentation</title>
    <style>
        * { margin: 0; padding: 0; box-sizing: border-box; }

        body {
            font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, 'Helvetica Neue', Arial, sans-serif;
            line-height: 1.6;
            color: #333;
            background: #1a1a2e;
            min-height: 100vh;
            padding: 20px;
        }

        .container {
            max-width: 1000px;
            margin: 0 auto;
            background: white;
            border-radius: 10px;
            overflow: hidden;
        }

        header {
            background: #16213e;
            color: white;
            padding: 36px;
            text-align: center;
        }

        h1 { font-size: 36px; margin-bottom: 8px; }

        .subtitle { color: rgba(255, 255, 255, 0.8); font-size: 16px; }

        main { padding: 36px; }

        section { margin-bottom: 48px; }

        h2 {
            color: #1a1a2e;
            font-size: 28px;
            margin-bottom: 16px;
            padding-bottom: 8px;
            border-bottom: 3px solid #3d5a80;
        }

        h3 { color: #495057; font-size: 20px; margin: 24px 0 12px; }

        .endpoint {
            background: #f8f9fa;
            border-left: 4px solid #3d5a80;
            padding: 16px;
            margin: 16px 0;
            border-radius: 6px;
        }

        .method {
            display: inline-block;
            padding: 3px 10px;
            border-radius: 4px;
            font-weight: bold;
            font-size: 13px;
            margin-right: 8px;
        }

        .method.get { background: #28a745; color: white; }
        .method.post { background: #007bff; color: white; }
        .method.ws { background: #6f42c1; color: white; }

        .path { font-family: 'Courier New', monospace; font-size: 15px; color: #495057; }

        .description { margin: 12px 0; color: #666; }

        pre {
            background: #2d2d2d;
            color: #f8f8f2;
            padding: 16px;
            border-radius: 6px;
            overflow-x: auto;
            margin: 12px 0;
            font-size: 13px;
        }

        .param-table { width: 100%; border-collapse: collapse; margin: 12px 0; }

        .param-table th, .param-table td {
            padding: 10px;
            text-align: left;
            border-bottom: 1px solid #dee2e6;
        }

        .param-table th { background: #e9ecef; font-weight: 600; }
    </style>
</head>
<body>
    <div class="container">
        <header>
            <h1>♔ Arbiter ♚</h1>
            <p class="subtitle">Real-time chess server. Gameplay over WebSocket, history over REST.</p>
        </header>

        <main>
            <section id="websocket">
                <h2>WebSocket Protocol</h2>
                <p>All gameplay flows over a single socket. Every message is a JSON
                object with a <code>type</code> field; remaining fields depend on the type.</p>

                <div class="endpoint">
                    <span class="method ws">WS</span>
                    <span class="path">/ws</span>
                    <p class="description">The server sends <code>connection_confirmed</code> immediately after the upgrade.</p>
                </div>

                <h3>Client Events</h3>
                <table class="param-table">
                    <tr><th>Type</th><th>Fields</th><th>Description</th></tr>
                    <tr><td>register</td><td>username, password</td><td>Create an account</td></tr>
                    <tr><td>login</td><td>username+password or token</td><td>Authenticate this connection</td></tr>
                    <tr><td>heartbeat</td><td></td><td>Keep the connection marked live</td></tr>
                    <tr><td>create_game</td><td>timeControlMinutes?</td><td>Open a game and wait for an opponent</td></tr>
                    <tr><td>search_for_game</td><td></td><td>Look for a waiting game near your rating</td></tr>
                    <tr><td>cancel_matchmaking</td><td></td><td>Withdraw your waiting game</td></tr>
                    <tr><td>move</td><td>gameId, move</td><td>Play a move (SAN string or {from,to,promotion})</td></tr>
                    <tr><td>resign</td><td>gameId</td><td>Concede the game</td></tr>
                    <tr><td>chat</td><td>gameId, message</td><td>Send a chat line to the other player</td></tr>
                    <tr><td>reconnect_to_game</td><td>gameId</td><td>Rejoin after a drop and receive a full snapshot</td></tr>
                    <tr><td>request_game_sync</td><td>gameId</td><td>Request a snapshot without rejoining</td></tr>
                </table>

                <h3>Server Events</h3>
                <table class="param-table">
                    <tr><th>Type</th><th>Description</th></tr>
                    <tr><td>connection_confirmed</td><td>Socket established, carries connectionId</td></tr>
                    <tr><td>registration_success / registration_failure</td><td>Outcome of register</td></tr>
                    <tr><td>login_success / login_failure</td><td>Outcome of login; success carries a token on password logins</td></tr>
                    <tr><td>waiting_for_opponent</td><td>Game created, holding for a match</td></tr>
                    <tr><td>no_games_found</td><td>Search found nothing compatible</td></tr>
                    <tr><td>match_found</td><td>Paired; carries color, opponent, and clock state</td></tr>
                    <tr><td>move_made</td><td>A legal move was applied; carries FEN and both clocks</td></tr>
                    <tr><td>invalid_move</td><td>Move rejected; the board is unchanged</td></tr>
                    <tr><td>timer_update</td><td>Periodic clock snapshot during play</td></tr>
                    <tr><td>chat</td><td>Chat line from the opponent</td></tr>
                    <tr><td>game_over</td><td>Terminal result, reason, and Elo changes</td></tr>
                    <tr><td>game_state_sync</td><td>Full snapshot for reconnection</td></tr>
                    <tr><td>matchmaking_cancelled</td><td>Waiting game withdrawn</td></tr>
                    <tr><td>error</td><td>Request-level failure with a message</td></tr>
                </table>

                <h3>Example</h3>
                <pre>{"type": "move", "gameId": "7f3f…", "move": {"from": "e2", "to": "e4"}}</pre>
                <pre>{"type": "move", "gameId": "7f3f…", "move": "Nf3"}</pre>
            </section>

            <section id="rest">
                <h2>REST Endpoints</h2>

                <div class="endpoint">
                    <span class="method post">POST</span>
                    <span class="path">/api/auth/register</span>
                    <p class="description">Create an account. Body: {"username", "password"}. Returns a token and the user.</p>
                </div>

                <div class="endpoint">
                    <span class="method post">POST</span>
                    <span class="path">/api/auth/login</span>
                    <p class="description">Log in with username and password.</p>
                </div>

                <div class="endpoint">
                    <span class="method get">GET</span>
                    <span class="path">/api/auth/me</span>
                    <p class="description">Current user. Requires <code>Authorization: Bearer &lt;token&gt;</code>.</p>
                </div>

                <div class="endpoint">
                    <span class="method get">GET</span>
                    <span class="path">/api/auth/google</span>
                    <p class="description">Start the Google OAuth flow (redirect).</p>
                </div>

                <div class="endpoint">
                    <span class="method get">GET</span>
                    <span class="path">/api/leaderboard?limit=50&amp;offset=0</span>
                    <p class="description">Top players by rating.</p>
                </div>

                <div class="endpoint">
                    <span class="method get">GET</span>
                    <span class="path">/api/users/{id}/stats</span>
                    <p class="description">Rating, record, and recent games for a player.</p>
                </div>

                <div class="endpoint">
                    <span class="method get">GET</span>
                    <span class="path">/api/games?status=finished</span>
                    <p class="description">Game history. Status filter: waiting, inprogress, finished.</p>
                </div>

                <div class="endpoint">
                    <span class="method get">GET</span>
                    <span class="path">/api/games/{id}</span>
                    <p class="description">One game with its full move list.</p>
                </div>

                <div class="endpoint">
                    <span class="method get">GET</span>
                    <span class="path">/health</span>
                    <p class="description">Liveness plus database and cache reachability.</p>
                </div>

                <div class="endpoint">
                    <span class="method get">GET</span>
                    <span class="path">/info</span>
                    <p class="description">Uptime, open connections, active and waiting games.</p>
                </div>
            </section>

            <section id="rules">
                <h2>Game Rules</h2>
                <ul style="margin-left: 20px;">
                    <li>The creator of a game plays white; the matched joiner plays black.</li>
                    <li>Matchmaking widens its rating search in bands of ±100, ±200, ±400, then unbounded.</li>
                    <li>Default time control is 30 minutes per side; 180 is the maximum.</li>
                    <li>Checkmate, resignation, and flag fall are rated. Draws split the point with no rating change by default.</li>
                    <li>Clock times in events are whole seconds; timestamps are Unix milliseconds.</li>
                </ul>
            </section>
        </main>
    </div>
</body>
</html>`

// ServeAPIDocs renders the protocol reference page.
func ServeAPIDocs(w http.ResponseWriter, r *http.Request) {
	tmpl := template.Must(template.New("docs").Parse(apiDocsHTML))
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	tmpl.Execute(w, nil)
}
