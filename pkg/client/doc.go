/*
Package client is the compute-manager side of the wire protocol.

A Client holds one manager identity (cluster-hostname-uuid) for its
lifetime and speaks the four manager endpoints: activate, heartbeat,
claim and return. Transport failures and 5xx responses retry with
exponential backoff; 4xx responses are permanent. A response carrying
the shutdown flag means the server no longer tracks this manager and
the process should exit rather than retry.

Usage:

	c := client.New("http://localhost:7777", client.Options{
		Cluster:  "hpc",
		Programs: map[string]string{"psi4": "1.9"},
		Tags:     []string{"large-mem", "*"},
	})
	if _, err := c.Activate(ctx); err != nil {
		return err
	}
	tasks, err := c.Claim(ctx, 10)
*/
package client
